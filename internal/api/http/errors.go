package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	appVerification "github.com/execution-hub/verification-gate/internal/application/verification"
	"github.com/execution-hub/verification-gate/internal/domain/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/signature"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

// respondServiceError maps pipeline errors to status codes. Rate limits
// carry Retry-After in whole seconds.
func respondServiceError(w http.ResponseWriter, err error) {
	if secErr, ok := security.AsError(err); ok {
		status := kindStatus(secErr)
		if secErr.Kind == security.KindRateLimitExceeded {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(secErr.RetryAfter.Seconds()))))
		}
		respondError(w, status, string(secErr.Kind), secErr.Error())
		return
	}

	switch {
	case errors.Is(err, appVerification.ErrContextNotFound),
		errors.Is(err, consensus.ErrRoundNotFound),
		errors.Is(err, signature.ErrSignatureNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, appVerification.ErrInvalidTask),
		errors.Is(err, consensus.ErrNoParticipants),
		errors.Is(err, consensus.ErrInvalidVote),
		errors.Is(err, signature.ErrInvalidQuorum),
		errors.Is(err, signature.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, consensus.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, appVerification.ErrContextTerminal),
		errors.Is(err, verification.ErrInvalidTransition),
		errors.Is(err, appVerification.ErrNoPendingRound),
		errors.Is(err, appVerification.ErrRoundPending),
		errors.Is(err, appVerification.ErrAttestationRequired),
		errors.Is(err, consensus.ErrRoundClosed):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, appVerification.ErrNoTruthValidators),
		errors.Is(err, appVerification.ErrConsensusUnavailable),
		errors.Is(err, appVerification.ErrSignaturesUnavailable):
		respondError(w, http.StatusNotImplemented, "NOT_CONFIGURED", err.Error())
	case errors.Is(err, appVerification.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func kindStatus(e *security.Error) int {
	switch e.Kind {
	case security.KindPreTaskRejected:
		return http.StatusForbidden
	case security.KindPostTaskValidationFailed:
		return http.StatusUnprocessableEntity
	case security.KindConsensusFailed:
		return http.StatusConflict
	case security.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case security.KindByzantineDetected:
		return http.StatusForbidden
	case security.KindSignatureError:
		switch e.SignatureReason {
		case security.SignatureUnauthorized:
			return http.StatusForbidden
		case security.SignatureInvalid:
			return http.StatusBadRequest
		default:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}
