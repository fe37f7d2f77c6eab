package audit

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashAlgorithm names a supported digest.
type HashAlgorithm string

const (
	HashSHA256     HashAlgorithm = "sha256"
	HashSHA512     HashAlgorithm = "sha512"
	HashSHA3_256   HashAlgorithm = "sha3-256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
)

// Hasher computes hex digests with a configured algorithm.
type Hasher struct {
	alg     HashAlgorithm
	factory func() hash.Hash
}

// NewHasher returns a hasher for alg. An empty alg selects sha256.
func NewHasher(alg HashAlgorithm) (*Hasher, error) {
	switch alg {
	case "", HashSHA256:
		return &Hasher{alg: HashSHA256, factory: sha256.New}, nil
	case HashSHA512:
		return &Hasher{alg: HashSHA512, factory: sha512.New}, nil
	case HashSHA3_256:
		return &Hasher{alg: HashSHA3_256, factory: sha3.New256}, nil
	case HashBLAKE2b256:
		return &Hasher{alg: HashBLAKE2b256, factory: func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", alg)
	}
}

// MustHasher is NewHasher for statically known algorithms.
func MustHasher(alg HashAlgorithm) *Hasher {
	h, err := NewHasher(alg)
	if err != nil {
		panic(err)
	}
	return h
}

// Algorithm returns the configured algorithm.
func (h *Hasher) Algorithm() HashAlgorithm { return h.alg }

// New returns a fresh hash.Hash.
func (h *Hasher) New() hash.Hash { return h.factory() }

// Sum returns the digest of the concatenated parts.
func (h *Hasher) Sum(parts ...[]byte) []byte {
	d := h.factory()
	for _, p := range parts {
		_, _ = d.Write(p)
	}
	return d.Sum(nil)
}

// Hex returns the hex digest of the concatenated parts.
func (h *Hasher) Hex(parts ...[]byte) string {
	return hex.EncodeToString(h.Sum(parts...))
}

// ChainHash computes hash(eventHash + prevHash).
func (h *Hasher) ChainHash(eventHash, prevHash string) string {
	return h.Hex([]byte(eventHash + prevHash))
}
