package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

func newTestEvent() *security.Event {
	return security.NewEvent(security.SeverityWarning, "agent-1", security.RateLimitEvidence{
		Granularity:  "second",
		Limit:        10,
		RetryAfterMs: 250,
	})
}

func TestNewHasher(t *testing.T) {
	for _, alg := range []HashAlgorithm{"", HashSHA256, HashSHA512, HashSHA3_256, HashBLAKE2b256} {
		h, err := NewHasher(alg)
		require.NoError(t, err, alg)
		assert.NotEmpty(t, h.Hex([]byte("payload")))
	}

	_, err := NewHasher("md5")
	assert.Error(t, err)

	assert.Len(t, MustHasher(HashSHA3_256).Sum([]byte("x")), 32)
	assert.Len(t, MustHasher(HashBLAKE2b256).Sum([]byte("x")), 32)
	assert.NotEqual(t, MustHasher(HashSHA256).Hex([]byte("x")), MustHasher(HashSHA3_256).Hex([]byte("x")))
}

func TestEntry_ChainAndVerify(t *testing.T) {
	h := MustHasher(HashSHA256)

	genesis, err := NewEntry(h, 1, "", newTestEvent())
	require.NoError(t, err)
	assert.Equal(t, "", genesis.PrevHash)
	assert.Equal(t, h.ChainHash(genesis.EventHash, ""), genesis.ChainHash)
	assert.True(t, genesis.Verify(h))

	next, err := NewEntry(h, 2, genesis.ChainHash, newTestEvent())
	require.NoError(t, err)
	assert.Equal(t, genesis.ChainHash, next.PrevHash)
	assert.True(t, next.Verify(h))

	t.Run("payload tamper is detected", func(t *testing.T) {
		tampered := next.Clone()
		tampered.Payload = json.RawMessage(`{"tampered":true}`)
		assert.False(t, tampered.Verify(h))
	})

	t.Run("clone does not alias payload", func(t *testing.T) {
		cp := next.Clone()
		cp.Payload[0] = 'X'
		assert.True(t, next.Verify(h))
	})

	t.Run("event round trips through payload", func(t *testing.T) {
		ev, err := next.Event()
		require.NoError(t, err)
		assert.Equal(t, security.EventRateLimitExceeded, ev.Type)
		evidence, ok := ev.Evidence.(security.RateLimitEvidence)
		require.True(t, ok)
		assert.Equal(t, 10, evidence.Limit)
	})
}

func TestSignEntry(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	entry, err := NewEntry(MustHasher(HashSHA256), 1, "", newTestEvent())
	require.NoError(t, err)

	ok, err := VerifyEntrySignature(entry, key)
	require.NoError(t, err)
	assert.False(t, ok, "unsigned entry must not verify")

	entry.Signature, err = SignEntry(entry, key)
	require.NoError(t, err)

	ok, err = VerifyEntrySignature(entry, key)
	require.NoError(t, err)
	assert.True(t, ok)

	entry.ChainHash = "forged"
	ok, err = VerifyEntrySignature(entry, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
