package memory

import (
	"context"
	"sync"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

// AuditRepository keeps the audit trail in process memory.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*audit.Entry
}

// NewAuditRepository creates an empty in-memory trail.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Append stores a copy of entry if it extends the head.
func (r *AuditRepository) Append(_ context.Context, entry *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Seq != int64(len(r.entries))+1 {
		return audit.ErrSequenceConflict
	}
	r.entries = append(r.entries, entry.Clone())
	return nil
}

// Head returns the newest entry, or nil when empty.
func (r *AuditRepository) Head(_ context.Context) (*audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, nil
	}
	return r.entries[len(r.entries)-1].Clone(), nil
}

// List returns entries with Seq >= fromSeq in order.
func (r *AuditRepository) List(_ context.Context, fromSeq int64, limit int) ([]*audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fromSeq < 1 {
		fromSeq = 1
	}
	out := []*audit.Entry{}
	for i := fromSeq - 1; i < int64(len(r.entries)); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.entries[i].Clone())
	}
	return out, nil
}

// Query returns entries matching filter in sequence order.
func (r *AuditRepository) Query(_ context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*audit.Entry{}
	for _, e := range r.entries {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
