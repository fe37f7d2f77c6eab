package consensus

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Vote is one participant's signed ballot in a round.
type Vote struct {
	RoundID    string    `json:"round_id"`
	ProposalID string    `json:"proposal_id"`
	AgentID    string    `json:"agent_id"`
	Value      bool      `json:"value"`
	Signature  []byte    `json:"signature,omitempty"`
	CastAt     time.Time `json:"cast_at"`
	Suspected  bool      `json:"suspected,omitempty"`
}

type voteSignable struct {
	RoundID    string `json:"round_id"`
	ProposalID string `json:"proposal_id"`
	AgentID    string `json:"agent_id"`
	Value      bool   `json:"value"`
}

// CanonicalBytes returns the deterministic signing payload.
func (v Vote) CanonicalBytes() ([]byte, error) {
	return BallotBytes(v.RoundID, v.ProposalID, v.AgentID, v.Value)
}

// BallotBytes is the payload an agent signs to vote value in a round.
func BallotBytes(roundID, proposalID, agentID string, value bool) ([]byte, error) {
	return json.Marshal(voteSignable{
		RoundID:    strings.TrimSpace(roundID),
		ProposalID: strings.TrimSpace(proposalID),
		AgentID:    strings.TrimSpace(agentID),
		Value:      value,
	})
}

// Sign sets the vote signature for the given private key.
func (v *Vote) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	payload, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	v.Signature = ed25519.Sign(privateKey, payload)
	return nil
}

// Verify validates the vote signature against publicKey.
func (v Vote) Verify(publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}
	if len(v.Signature) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, payload, v.Signature) {
		return errors.New("signature verification failed")
	}
	return nil
}
