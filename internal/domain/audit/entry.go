package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// Entry is one immutable record of the audit trail.
type Entry struct {
	Seq       int64              `json:"seq"`
	EventID   uuid.UUID          `json:"eventId"`
	EventType security.EventType `json:"eventType"`
	Severity  security.Severity  `json:"severity"`
	AgentID   string             `json:"agentId,omitempty"`
	ContextID string             `json:"contextId,omitempty"`
	Payload   json.RawMessage    `json:"payload"`   // canonical JSON of the event
	EventHash string             `json:"eventHash"` // hash of Payload
	PrevHash  string             `json:"prevHash"`  // ChainHash of the previous entry (empty for genesis)
	ChainHash string             `json:"chainHash"` // hash(eventHash + prevHash)
	Signature []byte             `json:"signature,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// NewEntry serializes event and links it to the previous chain hash.
func NewEntry(h *Hasher, seq int64, prevHash string, event *security.Event) (*Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event for hashing: %w", err)
	}
	eventHash := h.Hex(payload)
	return &Entry{
		Seq:       seq,
		EventID:   event.ID,
		EventType: event.Type,
		Severity:  event.Severity,
		AgentID:   event.AgentID,
		ContextID: event.ContextID,
		Payload:   payload,
		EventHash: eventHash,
		PrevHash:  prevHash,
		ChainHash: h.ChainHash(eventHash, prevHash),
		CreatedAt: event.Timestamp.UTC().Truncate(time.Microsecond),
	}, nil
}

// Verify recomputes the entry's own hashes.
func (e *Entry) Verify(h *Hasher) bool {
	if h.Hex(e.Payload) != e.EventHash {
		return false
	}
	return h.ChainHash(e.EventHash, e.PrevHash) == e.ChainHash
}

// Event decodes the stored payload.
func (e *Entry) Event() (*security.Event, error) {
	var ev security.Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	cp.Signature = append([]byte(nil), e.Signature...)
	return &cp
}

// ChainBreak represents a break in the hash chain
type ChainBreak struct {
	BreakAt      int64     `json:"breakAt"` // Sequence number where break occurred
	ExpectedHash string    `json:"expectedHash"`
	ActualHash   string    `json:"actualHash"`
	Reason       string    `json:"reason"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// Filter restricts entry listings.
type Filter struct {
	From      *time.Time
	To        *time.Time
	AgentID   *string
	EventType *security.EventType
	MinSeq    int64
	Limit     int
}

// Matches applies every set field of f to e. From is inclusive, To exclusive.
func (f Filter) Matches(e *Entry) bool {
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	if f.AgentID != nil && e.AgentID != *f.AgentID {
		return false
	}
	if f.EventType != nil && e.EventType != *f.EventType {
		return false
	}
	return e.Seq >= f.MinSeq
}

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

// Repository persists audit entries. Implementations must reject a Seq that
// is not exactly one past the current head. Head returns nil, nil on an empty trail.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	Head(ctx context.Context) (*Entry, error)
	List(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error)
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Errors
var (
	ErrSequenceConflict = errors.New("audit sequence conflict")
	ErrEntryNotFound    = errors.New("audit entry not found")
)
