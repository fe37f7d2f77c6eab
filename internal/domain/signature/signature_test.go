package signature

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

func TestNewState_Quorum(t *testing.T) {
	signers := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		name       string
		required   int
		totalNodes int
		wantErr    bool
	}{
		{"majority", 3, 5, false},
		{"all", 5, 5, false},
		{"half is not enough", 2, 5, true},
		{"more than signatories", 6, 10, true},
		{"more than total nodes", 4, 3, true},
		{"zero", 0, 5, true},
		{"majority of signatories but not of the cluster", 3, 7, true},
		{"unknown cluster size", 3, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewState("sig", []byte("msg"), tt.required, signers, tt.totalNodes, time.Now())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuorum)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err := NewState("sig", nil, 1, []string{"a"}, 1, time.Now())
	assert.ErrorIs(t, err, ErrEmptyMessage)

	s, err := NewState("sig", []byte("m"), 2, []string{"a", "a", "b", "c"}, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, s.Signatories)

	_, err = NewState("sig", []byte("m"), 2, []string{"a", "b", "c"}, 5, time.Now())
	assert.ErrorIs(t, err, ErrInvalidQuorum, "two of three signatories is not a majority of five nodes")
	_, err = NewState("sig", []byte("m"), 3, []string{"a", "b", "c"}, 5, time.Now())
	assert.NoError(t, err)
}

func TestComplete(t *testing.T) {
	h := audit.MustHasher(audit.HashSHA256)
	s, err := NewState("sig", []byte("msg"), 2, []string{"a", "b", "c"}, 3, time.Now())
	require.NoError(t, err)

	s.Partials["a"] = []byte("pa")
	assert.False(t, s.Complete(h, time.Now()))
	assert.False(t, s.Completed)

	s.Partials["b"] = []byte("pb")
	assert.True(t, s.Complete(h, time.Now()))
	assert.True(t, s.Completed)
	assert.Equal(t, Combine(h, []byte("msg"), map[string][]byte{"b": []byte("pb"), "a": []byte("pa")}), s.FinalSignature)
	assert.Len(t, s.FinalHex(), 64)

	assert.False(t, s.Complete(h, time.Now()), "completion happens once")
	assert.Equal(t, []string{"a", "b"}, s.Signers())
}

func TestVerifyPartial(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	msg := []byte("attest")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, VerifyPartial(pub, msg, sig))
	assert.False(t, VerifyPartial(pub, []byte("other"), sig))
	assert.False(t, VerifyPartial(pub, msg, sig[:10]))
	assert.False(t, VerifyPartial(nil, msg, sig))
}

func TestClone(t *testing.T) {
	s, err := NewState("sig", []byte("msg"), 1, []string{"a"}, 1, time.Now())
	require.NoError(t, err)
	s.Partials["a"] = []byte{1}
	cp := s.Clone()
	cp.Partials["a"][0] = 9
	cp.Message[0] = 'X'
	assert.Equal(t, byte(1), s.Partials["a"][0])
	assert.Equal(t, "msg", string(s.Message))
}
