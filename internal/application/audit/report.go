package audit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

const (
	criticalPenalty = 25.0
	highPenalty     = 10.0
)

// Period is a half-open time range [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UnresolvedEvent summarizes an open HIGH or CRITICAL event.
type UnresolvedEvent struct {
	Seq       int64              `json:"seq"`
	EventID   uuid.UUID          `json:"eventId"`
	Type      security.EventType `json:"type"`
	Severity  security.Severity  `json:"severity"`
	AgentID   string             `json:"agentId,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ComplianceReport aggregates the events of a period.
type ComplianceReport struct {
	Period             Period                     `json:"period"`
	GeneratedAt        time.Time                  `json:"generatedAt"`
	TotalEvents        int                        `json:"totalEvents"`
	ByType             map[security.EventType]int `json:"byType"`
	BySeverity         map[security.Severity]int  `json:"bySeverity"`
	Unresolved         []UnresolvedEvent          `json:"unresolved"`
	UnresolvedCritical int                        `json:"unresolvedCritical"`
	UnresolvedHigh     int                        `json:"unresolvedHigh"`
	ComplianceScore    float64                    `json:"complianceScore"`
	IntegrityVerified  bool                       `json:"integrityVerified"`
}

// ComplianceScore is max(0, 100 - 25*critical - 10*high) over unresolved events.
func ComplianceScore(unresolvedCritical, unresolvedHigh int) float64 {
	return math.Max(0, 100-criticalPenalty*float64(unresolvedCritical)-highPenalty*float64(unresolvedHigh))
}

// GenerateComplianceReport aggregates events in period. An event counts as
// resolved if it was written resolved or a later ALERT_RESOLVED references it.
func (t *Trail) GenerateComplianceReport(ctx context.Context, period Period) (*ComplianceReport, error) {
	from, to := period.From, period.To
	entries, err := t.repo.Query(ctx, audit.Filter{From: &from, To: &to})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	resolvedType := security.EventAlertResolved
	resolutions, err := t.Events(ctx, audit.Filter{EventType: &resolvedType})
	if err != nil {
		return nil, err
	}
	resolved := make(map[uuid.UUID]struct{}, len(resolutions))
	for _, r := range resolutions {
		if ev, ok := r.Evidence.(security.AlertResolvedEvidence); ok {
			resolved[ev.AlertEventID] = struct{}{}
		}
	}

	report := &ComplianceReport{
		Period:      period,
		GeneratedAt: t.now().UTC(),
		ByType:      make(map[security.EventType]int),
		BySeverity:  make(map[security.Severity]int),
		Unresolved:  []UnresolvedEvent{},
	}
	for _, e := range entries {
		report.TotalEvents++
		report.ByType[e.EventType]++
		report.BySeverity[e.Severity]++

		if e.Severity != security.SeverityHigh && e.Severity != security.SeverityCritical {
			continue
		}
		if _, ok := resolved[e.EventID]; ok {
			continue
		}
		ev, err := e.Event()
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %d: %w", e.Seq, err)
		}
		if ev.Resolved {
			continue
		}
		report.Unresolved = append(report.Unresolved, UnresolvedEvent{
			Seq:       e.Seq,
			EventID:   e.EventID,
			Type:      e.EventType,
			Severity:  e.Severity,
			AgentID:   e.AgentID,
			Timestamp: ev.Timestamp,
		})
		if e.Severity == security.SeverityCritical {
			report.UnresolvedCritical++
		} else {
			report.UnresolvedHigh++
		}
	}
	report.ComplianceScore = ComplianceScore(report.UnresolvedCritical, report.UnresolvedHigh)

	integrity, err := t.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	report.IntegrityVerified = integrity.Verified
	return report, nil
}
