package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity represents how urgently an event needs attention
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// EventType identifies the evidence schema carried by an Event.
type EventType string

const (
	EventPreTaskRejected          EventType = "PRE_TASK_REJECTED"
	EventTaskChecked              EventType = "TASK_CHECKED"
	EventPostTaskValidationFailed EventType = "POST_TASK_VALIDATION_FAILED"
	EventTaskValidated            EventType = "TASK_VALIDATED"
	EventRollbackExecuted         EventType = "ROLLBACK_EXECUTED"
	EventTaskCompleted            EventType = "TASK_COMPLETED"
	EventConsensusReached         EventType = "CONSENSUS_REACHED"
	EventConsensusFailed          EventType = "CONSENSUS_FAILED"
	EventVoteRecorded             EventType = "VOTE_RECORDED"
	EventByzantineDetected        EventType = "BYZANTINE_DETECTED"
	EventSignatureCompleted       EventType = "SIGNATURE_COMPLETED"
	EventSignatureRejected        EventType = "SIGNATURE_REJECTED"
	EventRateLimitExceeded        EventType = "RATE_LIMIT_EXCEEDED"
	EventAnomalyDetected          EventType = "ANOMALY_DETECTED"
	EventAlertResolved            EventType = "ALERT_RESOLVED"
	EventAuditIntegrityViolation  EventType = "AUDIT_INTEGRITY_VIOLATION"
)

// Evidence is implemented by exactly one struct per EventType.
type Evidence interface {
	EventType() EventType
}

type PreTaskRejectedEvidence struct {
	TaskID  string `json:"taskId"`
	Checker string `json:"checker"`
	Reason  string `json:"reason"`
}

type TaskCheckedEvidence struct {
	TaskID   string   `json:"taskId"`
	Checkers []string `json:"checkers"`
	Advisory []string `json:"advisoryFailures,omitempty"`
}

type PostTaskValidationFailedEvidence struct {
	Validators []string `json:"validators"`
	Reasons    []string `json:"reasons"`
}

type TaskValidatedEvidence struct {
	Validators []string `json:"validators"`
	Advisory   []string `json:"advisoryFailures,omitempty"`
}

type RollbackExecutedEvidence struct {
	Reason         string   `json:"reason"`
	PreviousStatus string   `json:"previousStatus"`
	Triggers       []string `json:"triggers"`
	Failures       []string `json:"failures,omitempty"`
}

type TaskCompletedEvidence struct {
	TaskID      string `json:"taskId"`
	SignatureID string `json:"signatureId,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

type ConsensusEvidence struct {
	RoundID    string   `json:"roundId"`
	ProposalID string   `json:"proposalId"`
	TrueVotes  int      `json:"trueVotes"`
	TotalVotes int      `json:"totalVotes"`
	Threshold  float64  `json:"threshold"`
	Result     *bool    `json:"result,omitempty"`
	Suspected  []string `json:"suspected,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ConsensusReachedEvidence and ConsensusFailedEvidence share one schema.
type ConsensusReachedEvidence struct{ ConsensusEvidence }

type ConsensusFailedEvidence struct{ ConsensusEvidence }

type VoteRecordedEvidence struct {
	RoundID string `json:"roundId"`
	Vote    bool   `json:"vote"`
}

type ByzantineEvidence struct {
	RoundID          string `json:"roundId,omitempty"`
	Reason           string `json:"reason"`
	PreviousVote     *bool  `json:"previousVote,omitempty"`
	NewVote          *bool  `json:"newVote,omitempty"`
	MissedHeartbeats int    `json:"missedHeartbeats,omitempty"`
}

type SignatureCompletedEvidence struct {
	SignatureID string   `json:"signatureId"`
	Signers     []string `json:"signers"`
	Required    int      `json:"required"`
}

type SignatureRejectedEvidence struct {
	SignatureID string          `json:"signatureId"`
	SignerID    string          `json:"signerId"`
	Reason      SignatureReason `json:"reason"`
}

type RateLimitEvidence struct {
	Granularity  string `json:"granularity"`
	Limit        int    `json:"limit"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

type AnomalyEvidence struct {
	Metric    string  `json:"metric"`
	Observed  float64 `json:"observed"`
	Baseline  float64 `json:"baseline"`
	Deviation float64 `json:"deviation"`
}

type AlertResolvedEvidence struct {
	AlertEventID uuid.UUID `json:"alertEventId"`
	ResolvedBy   string    `json:"resolvedBy"`
	Note         string    `json:"note,omitempty"`
}

type AuditIntegrityEvidence struct {
	BreakAt      int64  `json:"breakAt"`
	ExpectedHash string `json:"expectedHash"`
	ActualHash   string `json:"actualHash"`
}

func (PreTaskRejectedEvidence) EventType() EventType          { return EventPreTaskRejected }
func (TaskCheckedEvidence) EventType() EventType              { return EventTaskChecked }
func (PostTaskValidationFailedEvidence) EventType() EventType { return EventPostTaskValidationFailed }
func (TaskValidatedEvidence) EventType() EventType            { return EventTaskValidated }
func (RollbackExecutedEvidence) EventType() EventType         { return EventRollbackExecuted }
func (TaskCompletedEvidence) EventType() EventType            { return EventTaskCompleted }
func (ConsensusReachedEvidence) EventType() EventType         { return EventConsensusReached }
func (ConsensusFailedEvidence) EventType() EventType          { return EventConsensusFailed }
func (VoteRecordedEvidence) EventType() EventType             { return EventVoteRecorded }
func (ByzantineEvidence) EventType() EventType                { return EventByzantineDetected }
func (SignatureCompletedEvidence) EventType() EventType       { return EventSignatureCompleted }
func (SignatureRejectedEvidence) EventType() EventType        { return EventSignatureRejected }
func (RateLimitEvidence) EventType() EventType                { return EventRateLimitExceeded }
func (AnomalyEvidence) EventType() EventType                  { return EventAnomalyDetected }
func (AlertResolvedEvidence) EventType() EventType            { return EventAlertResolved }
func (AuditIntegrityEvidence) EventType() EventType           { return EventAuditIntegrityViolation }

// Event is a SecurityEvent. It is never mutated after it is appended to the audit trail.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	AgentID   string    `json:"agentId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
	Evidence  Evidence  `json:"-"`
	Resolved  bool      `json:"resolved"`
}

// NewEvent creates an event whose type is derived from the evidence.
// Informational events are written resolved.
func NewEvent(severity Severity, agentID string, evidence Evidence) *Event {
	return &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      evidence.EventType(),
		Severity:  severity,
		AgentID:   agentID,
		Evidence:  evidence,
		Resolved:  severity == SeverityInfo,
	}
}

// WithContext tags the event with the verification context it belongs to.
func (e *Event) WithContext(contextID string) *Event {
	e.ContextID = contextID
	return e
}

type eventJSON struct {
	ID        uuid.UUID       `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Severity  Severity        `json:"severity"`
	AgentID   string          `json:"agentId,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
	Evidence  json.RawMessage `json:"evidence"`
	Resolved  bool            `json:"resolved"`
}

// MarshalJSON produces the canonical encoding used for hashing.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Evidence == nil {
		return nil, errors.New("event evidence is required")
	}
	if e.Evidence.EventType() != e.Type {
		return nil, fmt.Errorf("evidence %s does not match event type %s", e.Evidence.EventType(), e.Type)
	}
	raw, err := json.Marshal(e.Evidence)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC(),
		Type:      e.Type,
		Severity:  e.Severity,
		AgentID:   e.AgentID,
		ContextID: e.ContextID,
		Evidence:  raw,
		Resolved:  e.Resolved,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	evidence, err := DecodeEvidence(raw.Type, raw.Evidence)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        raw.ID,
		Timestamp: raw.Timestamp,
		Type:      raw.Type,
		Severity:  raw.Severity,
		AgentID:   raw.AgentID,
		ContextID: raw.ContextID,
		Evidence:  evidence,
		Resolved:  raw.Resolved,
	}
	return nil
}

// DecodeEvidence decodes the evidence payload for the given event type.
func DecodeEvidence(t EventType, raw json.RawMessage) (Evidence, error) {
	switch t {
	case EventPreTaskRejected:
		return decode[PreTaskRejectedEvidence](raw)
	case EventTaskChecked:
		return decode[TaskCheckedEvidence](raw)
	case EventPostTaskValidationFailed:
		return decode[PostTaskValidationFailedEvidence](raw)
	case EventTaskValidated:
		return decode[TaskValidatedEvidence](raw)
	case EventRollbackExecuted:
		return decode[RollbackExecutedEvidence](raw)
	case EventTaskCompleted:
		return decode[TaskCompletedEvidence](raw)
	case EventConsensusReached:
		return decode[ConsensusReachedEvidence](raw)
	case EventConsensusFailed:
		return decode[ConsensusFailedEvidence](raw)
	case EventVoteRecorded:
		return decode[VoteRecordedEvidence](raw)
	case EventByzantineDetected:
		return decode[ByzantineEvidence](raw)
	case EventSignatureCompleted:
		return decode[SignatureCompletedEvidence](raw)
	case EventSignatureRejected:
		return decode[SignatureRejectedEvidence](raw)
	case EventRateLimitExceeded:
		return decode[RateLimitEvidence](raw)
	case EventAnomalyDetected:
		return decode[AnomalyEvidence](raw)
	case EventAlertResolved:
		return decode[AlertResolvedEvidence](raw)
	case EventAuditIntegrityViolation:
		return decode[AuditIntegrityEvidence](raw)
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

func decode[T Evidence](raw json.RawMessage) (Evidence, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
