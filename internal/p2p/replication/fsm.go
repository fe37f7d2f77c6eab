package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/infrastructure/memory"
)

// fsm applies committed audit entries to a local replica.
type fsm struct {
	hasher *audit.Hasher

	mu      sync.RWMutex
	replica *memory.AuditRepository
}

func newFSM(h *audit.Hasher) *fsm {
	return &fsm{hasher: h, replica: memory.NewAuditRepository()}
}

func (f *fsm) current() *memory.AuditRepository {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.replica
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(f.hasher); err != nil {
		return err
	}
	head, err := f.current().Head(context.Background())
	if err != nil {
		return err
	}
	if head != nil && cmd.Entry.PrevHash != head.ChainHash {
		return audit.ErrSequenceConflict
	}
	return f.current().Append(context.Background(), cmd.Entry)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	entries, err := f.current().List(context.Background(), 1, 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	replica := memory.NewAuditRepository()
	if len(data) > 0 {
		var entries []*audit.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		for _, e := range entries {
			if err := replica.Append(context.Background(), e); err != nil {
				return fmt.Errorf("restore entry %d: %w", e.Seq, err)
			}
		}
	}
	f.mu.Lock()
	f.replica = replica
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
