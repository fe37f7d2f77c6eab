package replication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

// Operation names a replicated write.
type Operation string

const OpAuditAppend Operation = "AUDIT_APPEND"

// Command is the replicated log envelope.
type Command struct {
	Op        Operation    `json:"op"`
	NodeID    string       `json:"node_id"`
	Timestamp time.Time    `json:"timestamp"`
	Entry     *audit.Entry `json:"entry"`
}

// Validate checks the envelope and recomputes the entry hashes, so a
// follower never applies an entry whose chain link does not hold.
func (c Command) Validate(h *audit.Hasher) error {
	if c.Op != OpAuditAppend {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if c.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if c.Entry == nil {
		return errors.New("entry is required")
	}
	if c.Entry.Seq < 1 {
		return errors.New("entry seq must be positive")
	}
	if !c.Entry.Verify(h) {
		return fmt.Errorf("entry %d fails hash verification", c.Entry.Seq)
	}
	return nil
}
