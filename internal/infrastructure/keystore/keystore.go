package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

var ErrKeyNotFound = errors.New("key not found")

// StaticKeyStore holds the ed25519 public keys of known agents and the
// HMAC key used to sign audit entries.
type StaticKeyStore struct {
	mu       sync.RWMutex
	agents   map[string]ed25519.PublicKey
	auditKey []byte
}

func New(auditKey []byte) *StaticKeyStore {
	return &StaticKeyStore{agents: map[string]ed25519.PublicKey{}, auditKey: auditKey}
}

// NewFromEnv builds a keystore from environment variables.
// AGENT_PUBLIC_KEYS format: "agentId:hex,agentId2:hex".
// AGENT_PUBLIC_KEY_<agentId> adds or overrides a single agent.
// AUDIT_SIGNING_KEY is the hex HMAC key for audit entries.
func NewFromEnv() (*StaticKeyStore, error) {
	var auditKey []byte
	if raw := strings.TrimSpace(os.Getenv("AUDIT_SIGNING_KEY")); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid AUDIT_SIGNING_KEY: %w", err)
		}
		auditKey = key
	}
	ks := New(auditKey)

	if raw := os.Getenv("AGENT_PUBLIC_KEYS"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid AGENT_PUBLIC_KEYS format")
			}
			if err := ks.RegisterHex(parts[0], parts[1]); err != nil {
				return nil, err
			}
		}
	}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "AGENT_PUBLIC_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		agent := strings.TrimPrefix(parts[0], "AGENT_PUBLIC_KEY_")
		if agent == "" {
			continue
		}
		if err := ks.RegisterHex(agent, parts[1]); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// Register adds or replaces an agent's public key.
func (s *StaticKeyStore) Register(agentID string, pub ed25519.PublicKey) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s must be %d bytes", agentID, ed25519.PublicKeySize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

func (s *StaticKeyStore) RegisterHex(agentID, hexKey string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return fmt.Errorf("invalid public key for %s: %w", agentID, err)
	}
	return s.Register(strings.TrimSpace(agentID), raw)
}

func (s *StaticKeyStore) PublicKey(_ context.Context, agentID string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.agents[agentID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return pub, nil
}

// Agents lists the registered agent ids in sorted order.
func (s *StaticKeyStore) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AuditKey returns the audit signing key, or nil when signing is disabled.
func (s *StaticKeyStore) AuditKey() []byte {
	return s.auditKey
}
