package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

var (
	ErrSignatureNotFound = errors.New("signature request not found")
	ErrInvalidQuorum     = errors.New("required signatures must satisfy totalNodes/2 < required <= signatories")
	ErrEmptyMessage      = errors.New("message is required")
)

// State is a ThresholdSignatureState. It is immutable once Completed.
type State struct {
	SignatureID        string            `json:"signatureId"`
	Message            []byte            `json:"message"`
	RequiredSignatures int               `json:"requiredSignatures"`
	Signatories        []string          `json:"signatories"`
	Partials           map[string][]byte `json:"partials"`
	Completed          bool              `json:"completed"`
	FinalSignature     []byte            `json:"finalSignature,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
}

// NewState validates the quorum and opens a signature request.
func NewState(signatureID string, message []byte, required int, signatories []string, totalNodes int, now time.Time) (*State, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	seen := make(map[string]struct{}, len(signatories))
	unique := make([]string, 0, len(signatories))
	for _, s := range signatories {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		unique = append(unique, s)
	}
	n := len(unique)
	// the majority is taken over the whole cluster when its size is known
	quorumBase := n
	if totalNodes > 0 {
		quorumBase = totalNodes
	}
	if 2*required <= quorumBase || required > n || (totalNodes > 0 && required > totalNodes) {
		return nil, ErrInvalidQuorum
	}
	return &State{
		SignatureID:        signatureID,
		Message:            append([]byte(nil), message...),
		RequiredSignatures: required,
		Signatories:        unique,
		Partials:           make(map[string][]byte, required),
		CreatedAt:          now,
	}, nil
}

// Count is the number of accepted partials.
func (s *State) Count() int { return len(s.Partials) }

// IsSignatory reports whether signerID may contribute.
func (s *State) IsSignatory(signerID string) bool {
	for _, id := range s.Signatories {
		if id == signerID {
			return true
		}
	}
	return false
}

// Signers returns the accepted signers in sorted order.
func (s *State) Signers() []string {
	out := make([]string, 0, len(s.Partials))
	for id := range s.Partials {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VerifyPartial checks an individual ed25519 partial over the message.
func VerifyPartial(publicKey ed25519.PublicKey, message, partial []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(partial) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, partial)
}

// Combine binds the message and the sorted (signer, partial) pairs into one digest.
func Combine(h *audit.Hasher, message []byte, partials map[string][]byte) []byte {
	signers := make([]string, 0, len(partials))
	for id := range partials {
		signers = append(signers, id)
	}
	sort.Strings(signers)

	parts := make([][]byte, 0, 1+2*len(signers))
	parts = append(parts, message)
	for _, id := range signers {
		parts = append(parts, []byte(id), partials[id])
	}
	return h.Sum(parts...)
}

// Complete finalizes the state once the quorum has been collected.
func (s *State) Complete(h *audit.Hasher, now time.Time) bool {
	if s.Completed || s.Count() < s.RequiredSignatures {
		return false
	}
	s.FinalSignature = Combine(h, s.Message, s.Partials)
	s.Completed = true
	done := now
	s.CompletedAt = &done
	return true
}

// FinalHex is the hex encoded final signature.
func (s *State) FinalHex() string { return hex.EncodeToString(s.FinalSignature) }

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	cp.Message = append([]byte(nil), s.Message...)
	cp.Signatories = append([]string(nil), s.Signatories...)
	cp.FinalSignature = append([]byte(nil), s.FinalSignature...)
	cp.Partials = make(map[string][]byte, len(s.Partials))
	for k, v := range s.Partials {
		cp.Partials[k] = append([]byte(nil), v...)
	}
	if s.CompletedAt != nil {
		c := *s.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}
