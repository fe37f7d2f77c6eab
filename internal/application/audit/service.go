package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

const pageSize = 500

// maxAppendAttempts bounds retries when another writer sharing the
// repository takes the next sequence number first.
const maxAppendAttempts = 8

// Trail is the append-only, hash-chained audit trail. Appends are serialized
// in process; writers in other processes are detected by the repository as
// sequence conflicts and the append is rebuilt on the new head.
type Trail struct {
	mu      sync.Mutex
	repo    audit.Repository
	hasher  *audit.Hasher
	signKey []byte
	alerts  security.AlertSink
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTrail creates a trail over repo. signKey and alerts are optional.
func NewTrail(repo audit.Repository, hasher *audit.Hasher, signKey []byte, alerts security.AlertSink, logger zerolog.Logger) *Trail {
	if alerts == nil {
		alerts = security.NopSink{}
	}
	return &Trail{
		repo:    repo,
		hasher:  hasher,
		signKey: signKey,
		alerts:  alerts,
		logger:  logger.With().Str("service", "audit").Logger(),
		now:     time.Now,
	}
}

// Hasher exposes the configured hash algorithm.
func (t *Trail) Hasher() *audit.Hasher { return t.hasher }

// Append writes event as the next entry of the chain and returns its sequence id.
// HIGH and CRITICAL events are also published as alerts.
func (t *Trail) Append(ctx context.Context, event *security.Event) (int64, error) {
	t.mu.Lock()
	var entry *audit.Entry
	var err error
	for attempt := 1; ; attempt++ {
		entry, err = t.appendLocked(ctx, event)
		if err == nil || !errors.Is(err, audit.ErrSequenceConflict) || attempt == maxAppendAttempts {
			break
		}
		t.logger.Debug().Int("attempt", attempt).Str("eventId", event.ID.String()).Msg("audit head moved, retrying append")
	}
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}

	t.logger.Debug().
		Int64("seq", entry.Seq).
		Str("eventId", entry.EventID.String()).
		Str("eventType", string(entry.EventType)).
		Str("agentId", entry.AgentID).
		Msg("audit entry appended")

	if event.Severity.Rank() >= security.SeverityHigh.Rank() {
		t.logger.Warn().
			Int64("seq", entry.Seq).
			Str("eventType", string(entry.EventType)).
			Str("severity", string(entry.Severity)).
			Str("agentId", entry.AgentID).
			Msg("high-severity security event recorded")
		if err := t.alerts.Publish(ctx, security.NewAlert(event)); err != nil {
			t.logger.Error().Err(err).Str("eventId", entry.EventID.String()).Msg("failed to publish alert")
		}
	}
	return entry.Seq, nil
}

func (t *Trail) appendLocked(ctx context.Context, event *security.Event) (*audit.Entry, error) {
	head, err := t.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}
	var seq int64 = 1
	prev := ""
	if head != nil {
		seq = head.Seq + 1
		prev = head.ChainHash
	}

	entry, err := audit.NewEntry(t.hasher, seq, prev, event)
	if err != nil {
		return nil, err
	}
	if len(t.signKey) > 0 {
		sig, err := audit.SignEntry(entry, t.signKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign audit entry: %w", err)
		}
		entry.Signature = sig
	}
	if err := t.repo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save audit entry: %w", err)
	}
	return entry, nil
}

// IntegrityReport is the result of recomputing the whole chain.
type IntegrityReport struct {
	Verified  bool               `json:"verified"`
	Entries   int64              `json:"entries"`
	HeadHash  string             `json:"headHash,omitempty"`
	Breaks    []audit.ChainBreak `json:"breaks,omitempty"`
	CheckedAt time.Time          `json:"checkedAt"`
}

// VerifyChain recomputes every entry. A broken chain is logged and raised as a
// CRITICAL alert; it is never repaired.
func (t *Trail) VerifyChain(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Verified: true, CheckedAt: t.now().UTC()}
	var prev *audit.Entry

	for from := int64(1); ; {
		entries, err := t.repo.List(ctx, from, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list audit entries: %w", err)
		}
		for _, e := range entries {
			if b := t.check(prev, e, report.CheckedAt); b != nil {
				report.Breaks = append(report.Breaks, *b)
			}
			prev = e
			report.Entries++
		}
		if len(entries) < pageSize {
			break
		}
		from = entries[len(entries)-1].Seq + 1
	}

	if prev != nil {
		report.HeadHash = prev.ChainHash
	}
	if len(report.Breaks) > 0 {
		report.Verified = false
		t.raiseViolation(ctx, report.Breaks[0], len(report.Breaks))
	}
	return report, nil
}

func (t *Trail) check(prev, e *audit.Entry, now time.Time) *audit.ChainBreak {
	expectedSeq := int64(1)
	expectedPrev := ""
	if prev != nil {
		expectedSeq = prev.Seq + 1
		expectedPrev = prev.ChainHash
	}
	brk := func(expected, actual, reason string) *audit.ChainBreak {
		return &audit.ChainBreak{BreakAt: e.Seq, ExpectedHash: expected, ActualHash: actual, Reason: reason, DetectedAt: now}
	}

	switch {
	case e.Seq != expectedSeq:
		return brk("", "", fmt.Sprintf("sequence gap: expected %d", expectedSeq))
	case e.PrevHash != expectedPrev:
		return brk(expectedPrev, e.PrevHash, "previous hash mismatch")
	case t.hasher.Hex(e.Payload) != e.EventHash:
		return brk(t.hasher.Hex(e.Payload), e.EventHash, "event hash mismatch")
	case t.hasher.ChainHash(e.EventHash, e.PrevHash) != e.ChainHash:
		return brk(t.hasher.ChainHash(e.EventHash, e.PrevHash), e.ChainHash, "chain hash mismatch")
	}
	if len(t.signKey) > 0 {
		ok, err := audit.VerifyEntrySignature(e, t.signKey)
		if err != nil || !ok {
			return brk("", "", "signature mismatch")
		}
	}
	return nil
}

func (t *Trail) raiseViolation(ctx context.Context, first audit.ChainBreak, total int) {
	t.logger.Error().
		Int64("breakAt", first.BreakAt).
		Str("reason", first.Reason).
		Int("breaks", total).
		Msg("audit trail integrity violation")

	event := security.NewEvent(security.SeverityCritical, "", security.AuditIntegrityEvidence{
		BreakAt:      first.BreakAt,
		ExpectedHash: first.ExpectedHash,
		ActualHash:   first.ActualHash,
	})
	if err := t.alerts.Publish(ctx, security.NewAlert(event)); err != nil {
		t.logger.Error().Err(err).Msg("failed to publish integrity alert")
	}
}

// VerifyIntegrity reports whether the chain recomputes cleanly.
func (t *Trail) VerifyIntegrity(ctx context.Context) (bool, error) {
	report, err := t.VerifyChain(ctx)
	if err != nil {
		return false, err
	}
	return report.Verified, nil
}

// IntegrityError converts a failed report into an AUDIT_INTEGRITY_VIOLATION error.
func (r *IntegrityReport) IntegrityError() error {
	if r.Verified || len(r.Breaks) == 0 {
		return nil
	}
	return security.AuditIntegrityViolation(r.Breaks[0].BreakAt, r.Breaks[0].Reason)
}

// Events decodes the entries matching filter.
func (t *Trail) Events(ctx context.Context, filter audit.Filter) ([]*security.Event, error) {
	entries, err := t.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	events := make([]*security.Event, 0, len(entries))
	for _, e := range entries {
		ev, err := e.Event()
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %d: %w", e.Seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Resolve marks an alert resolved by appending an ALERT_RESOLVED event.
// The original entry is left untouched.
func (t *Trail) Resolve(ctx context.Context, eventID uuid.UUID, resolvedBy, note string) (int64, error) {
	target, err := t.find(ctx, eventID)
	if err != nil {
		return 0, err
	}
	ev := security.NewEvent(security.SeverityInfo, target.AgentID, security.AlertResolvedEvidence{
		AlertEventID: eventID,
		ResolvedBy:   resolvedBy,
		Note:         note,
	}).WithContext(target.ContextID)
	return t.Append(ctx, ev)
}

func (t *Trail) find(ctx context.Context, eventID uuid.UUID) (*audit.Entry, error) {
	for from := int64(1); ; {
		entries, err := t.repo.List(ctx, from, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list audit entries: %w", err)
		}
		for _, e := range entries {
			if e.EventID == eventID {
				return e, nil
			}
		}
		if len(entries) < pageSize {
			return nil, audit.ErrEntryNotFound
		}
		from = entries[len(entries)-1].Seq + 1
	}
}

// IsNotFound reports whether err means the audit entry does not exist.
func IsNotFound(err error) bool { return errors.Is(err, audit.ErrEntryNotFound) }
