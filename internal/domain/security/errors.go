package security

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates every failure the verification pipeline can surface.
type Kind string

const (
	KindPreTaskRejected          Kind = "PRE_TASK_REJECTED"
	KindPostTaskValidationFailed Kind = "POST_TASK_VALIDATION_FAILED"
	KindConsensusFailed          Kind = "CONSENSUS_FAILED"
	KindSignatureError           Kind = "SIGNATURE_ERROR"
	KindRateLimitExceeded        Kind = "RATE_LIMIT_EXCEEDED"
	KindByzantineDetected        Kind = "BYZANTINE_DETECTED"
	KindAuditIntegrityViolation  Kind = "AUDIT_INTEGRITY_VIOLATION"
)

// Recoverable reports whether the caller is expected to retry.
func (k Kind) Recoverable() bool {
	switch k {
	case KindConsensusFailed, KindSignatureError, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// SignatureReason qualifies a SIGNATURE_ERROR.
type SignatureReason string

const (
	SignatureUnauthorized        SignatureReason = "UNAUTHORIZED"
	SignatureStale               SignatureReason = "STALE"
	SignatureDuplicateSubmission SignatureReason = "DUPLICATE_SUBMISSION"
	SignatureInvalid             SignatureReason = "INVALID"
)

// Error is the single error type of the pipeline. Only the fields that
// belong to Kind are populated.
type Error struct {
	Kind    Kind
	Message string

	// PRE_TASK_REJECTED
	Checker string
	// POST_TASK_VALIDATION_FAILED
	Validators []string
	// CONSENSUS_FAILED
	RoundID string
	// SIGNATURE_ERROR
	SignatureID     string
	SignatureReason SignatureReason
	// RATE_LIMIT_EXCEEDED
	RetryAfter time.Duration
	// BYZANTINE_DETECTED
	AgentID string
	// AUDIT_INTEGRITY_VIOLATION
	BreakAt int64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPreTaskRejected:
		return fmt.Sprintf("%s: checker %q: %s", e.Kind, e.Checker, e.Message)
	case KindPostTaskValidationFailed:
		return fmt.Sprintf("%s: %v: %s", e.Kind, e.Validators, e.Message)
	case KindConsensusFailed:
		return fmt.Sprintf("%s: round %s: %s", e.Kind, e.RoundID, e.Message)
	case KindSignatureError:
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.SignatureReason, e.Message)
	case KindRateLimitExceeded:
		return fmt.Sprintf("%s: retry after %s", e.Kind, e.RetryAfter)
	case KindByzantineDetected:
		return fmt.Sprintf("%s: agent %s: %s", e.Kind, e.AgentID, e.Message)
	case KindAuditIntegrityViolation:
		return fmt.Sprintf("%s: chain broken at seq %d", e.Kind, e.BreakAt)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Is matches any *Error with the same Kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.SignatureReason == "" || t.SignatureReason == e.SignatureReason)
}

// AsError unwraps err into *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsSignatureReason reports whether err is a SIGNATURE_ERROR with the given reason.
func IsSignatureReason(err error, reason SignatureReason) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindSignatureError && e.SignatureReason == reason
}

func PreTaskRejected(checker, msg string) *Error {
	return &Error{Kind: KindPreTaskRejected, Checker: checker, Message: msg}
}

func PostTaskValidationFailed(validators []string, msg string) *Error {
	return &Error{Kind: KindPostTaskValidationFailed, Validators: append([]string(nil), validators...), Message: msg}
}

func ConsensusFailed(roundID, msg string) *Error {
	return &Error{Kind: KindConsensusFailed, RoundID: roundID, Message: msg}
}

func SignatureError(signatureID string, reason SignatureReason, msg string) *Error {
	return &Error{Kind: KindSignatureError, SignatureID: signatureID, SignatureReason: reason, Message: msg}
}

func RateLimitExceeded(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimitExceeded, RetryAfter: retryAfter, Message: "rate limit exceeded"}
}

func ByzantineDetected(agentID, msg string) *Error {
	return &Error{Kind: KindByzantineDetected, AgentID: agentID, Message: msg}
}

func AuditIntegrityViolation(breakAt int64, msg string) *Error {
	return &Error{Kind: KindAuditIntegrityViolation, BreakAt: breakAt, Message: msg}
}
