package signature

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/signature"
)

// AuditLog is the subset of the audit trail the coordinator writes to.
type AuditLog interface {
	Append(ctx context.Context, event *security.Event) (int64, error)
}

// KeyResolver returns a signer's registered ed25519 public key.
type KeyResolver interface {
	PublicKey(ctx context.Context, agentID string) (ed25519.PublicKey, error)
}

type request struct {
	mu    sync.Mutex
	state *signature.State
	done  chan struct{}
	// pruned requests accept no more partials; done is already closed.
	pruned bool
}

// Coordinator aggregates k-of-n ed25519 partial signatures.
type Coordinator struct {
	totalNodes int
	hasher     *audit.Hasher
	keys       KeyResolver
	audit      AuditLog
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	requests map[string]*request
}

// NewCoordinator creates a coordinator. audit may be nil.
func NewCoordinator(totalNodes int, hasher *audit.Hasher, keys KeyResolver, audit AuditLog, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		totalNodes: totalNodes,
		hasher:     hasher,
		keys:       keys,
		audit:      audit,
		logger:     logger.With().Str("service", "signature").Logger(),
		now:        time.Now,
		requests:   make(map[string]*request),
	}
}

// RequestSignature opens a signature request over message.
func (c *Coordinator) RequestSignature(ctx context.Context, message []byte, requiredSignatures int, signatories []string) (string, error) {
	id := uuid.NewString()
	state, err := signature.NewState(id, message, requiredSignatures, signatories, c.totalNodes, c.now())
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.requests[id] = &request{state: state, done: make(chan struct{})}
	c.mu.Unlock()

	c.logger.Info().
		Str("signatureId", id).
		Int("required", requiredSignatures).
		Int("signatories", len(state.Signatories)).
		Msg("signature requested")
	return id, nil
}

func (c *Coordinator) lookup(signatureID string) (*request, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.requests[signatureID]
	if !ok {
		return nil, signature.ErrSignatureNotFound
	}
	return r, nil
}

// SubmitPartial verifies and records one signer's partial. It returns
// SIGNATURE_ERROR with reason UNAUTHORIZED, STALE, DUPLICATE_SUBMISSION or INVALID.
func (c *Coordinator) SubmitPartial(ctx context.Context, signatureID, signerID string, partial []byte) (*signature.State, error) {
	r, err := c.lookup(signatureID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.pruned {
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureStale, "signature request expired")
	}
	if r.state.Completed {
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureStale, "signature already completed")
	}
	if !r.state.IsSignatory(signerID) {
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureUnauthorized, "signer is not a signatory")
	}
	if _, dup := r.state.Partials[signerID]; dup {
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureDuplicateSubmission, "partial already submitted")
	}
	message := r.state.Message
	r.mu.Unlock()

	pub, err := c.keys.PublicKey(ctx, signerID)
	if err != nil || !signature.VerifyPartial(pub, message, partial) {
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureInvalid, "partial signature does not verify")
	}

	r.mu.Lock()
	// state may have changed while the partial was verified
	switch {
	case r.pruned:
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureStale, "signature request expired")
	case r.state.Completed:
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureStale, "signature already completed")
	case r.state.Partials[signerID] != nil:
		r.mu.Unlock()
		return nil, c.reject(ctx, signatureID, signerID, security.SignatureDuplicateSubmission, "partial already submitted")
	}
	r.state.Partials[signerID] = append([]byte(nil), partial...)
	completed := r.state.Complete(c.hasher, c.now())
	if completed {
		close(r.done)
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()

	c.logger.Debug().Str("signatureId", signatureID).Str("signerId", signerID).Int("count", snapshot.Count()).Msg("partial accepted")
	if completed {
		c.logger.Info().Str("signatureId", signatureID).Strs("signers", snapshot.Signers()).Msg("threshold signature completed")
		c.record(ctx, security.NewEvent(security.SeverityInfo, "", security.SignatureCompletedEvidence{
			SignatureID: signatureID,
			Signers:     snapshot.Signers(),
			Required:    snapshot.RequiredSignatures,
		}))
	}
	return snapshot, nil
}

func (c *Coordinator) reject(ctx context.Context, signatureID, signerID string, reason security.SignatureReason, msg string) error {
	c.logger.Warn().Str("signatureId", signatureID).Str("signerId", signerID).Str("reason", string(reason)).Msg("partial rejected")
	severity := security.SeverityWarning
	if reason == security.SignatureUnauthorized || reason == security.SignatureInvalid {
		severity = security.SeverityHigh
	}
	c.record(ctx, security.NewEvent(severity, signerID, security.SignatureRejectedEvidence{
		SignatureID: signatureID,
		SignerID:    signerID,
		Reason:      reason,
	}))
	return security.SignatureError(signatureID, reason, msg)
}

// VerifyFinal checks that the final signature binds at least the required
// number of distinct, individually valid partials over the message.
func (c *Coordinator) VerifyFinal(ctx context.Context, s *signature.State) (bool, error) {
	if !s.Completed || len(s.FinalSignature) == 0 {
		return false, nil
	}
	valid := 0
	for signer, partial := range s.Partials {
		if !s.IsSignatory(signer) {
			return false, nil
		}
		pub, err := c.keys.PublicKey(ctx, signer)
		if err != nil {
			return false, fmt.Errorf("failed to resolve key for %s: %w", signer, err)
		}
		if !signature.VerifyPartial(pub, s.Message, partial) {
			return false, nil
		}
		valid++
	}
	if valid < s.RequiredSignatures {
		return false, nil
	}
	expected := signature.Combine(c.hasher, s.Message, s.Partials)
	return string(expected) == string(s.FinalSignature), nil
}

// Wait blocks until the signature completes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, signatureID string) (*signature.State, error) {
	r, err := c.lookup(signatureID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.State(signatureID)
}

// State returns a snapshot of the request.
func (c *Coordinator) State(signatureID string) (*signature.State, error) {
	r, err := c.lookup(signatureID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), nil
}

// Pending counts incomplete requests.
func (c *Coordinator) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.requests {
		r.mu.Lock()
		if !r.state.Completed {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Prune removes requests created at least maxAge ago. maxAge 0 removes all.
// Waiters on a removed incomplete request get ErrSignatureNotFound.
func (c *Coordinator) Prune(maxAge time.Duration) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, r := range c.requests {
		r.mu.Lock()
		stale := now.Sub(r.state.CreatedAt) >= maxAge
		if stale && !r.state.Completed && !r.pruned {
			r.pruned = true
			close(r.done)
		}
		r.mu.Unlock()
		if stale {
			delete(c.requests, id)
			removed++
		}
	}
	return removed
}

func (c *Coordinator) record(ctx context.Context, event *security.Event) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Append(ctx, event); err != nil {
		c.logger.Error().Err(err).Str("eventType", string(event.Type)).Msg("failed to record audit event")
	}
}
