package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

// Stage names the pipeline step that produced a checkpoint.
type Stage string

const (
	StagePreTask     Stage = "PRE_TASK"
	StagePostTask    Stage = "POST_TASK"
	StageTruth       Stage = "TRUTH"
	StageConsensus   Stage = "CONSENSUS"
	StageAttestation Stage = "ATTESTATION"
	StageRollback    Stage = "ROLLBACK"
	StageCompletion  Stage = "COMPLETION"
)

// Checkpoint is one step of a context's VerificationChain.
type Checkpoint struct {
	Seq        int       `json:"seq"`
	Stage      Stage     `json:"stage"`
	VerifierID string    `json:"verifierId"`
	Passed     bool      `json:"passed"`
	Evidence   string    `json:"evidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	PrevCommit string    `json:"prevCommit"`
	Commit     string    `json:"commit"`
	Signature  []byte    `json:"signature,omitempty"`
}

// Chain commits checkpoints onto a context.
type Chain struct {
	hasher *audit.Hasher
	key    []byte
}

// NewChain builds a chain committer. A nil key leaves checkpoints unsigned.
func NewChain(hasher *audit.Hasher, key []byte) *Chain {
	return &Chain{hasher: hasher, key: key}
}

func (c *Chain) commit(cp Checkpoint) string {
	return c.hasher.Hex(
		[]byte(cp.PrevCommit), []byte{0},
		[]byte(cp.Stage), []byte{0},
		[]byte(cp.VerifierID), []byte{0},
		[]byte(strconv.FormatBool(cp.Passed)), []byte{0},
		[]byte(cp.Evidence), []byte{0},
		[]byte(cp.Timestamp.UTC().Format(time.RFC3339Nano)),
	)
}

func (c *Chain) sign(commit string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(commit))
	return mac.Sum(nil)
}

// Append commits a new checkpoint onto vc and returns it.
func (c *Chain) Append(vc *Context, stage Stage, verifierID string, passed bool, evidence string, now time.Time) Checkpoint {
	cp := Checkpoint{
		Seq:        len(vc.Checkpoints) + 1,
		Stage:      stage,
		VerifierID: verifierID,
		Passed:     passed,
		Evidence:   evidence,
		Timestamp:  now.UTC(),
		PrevCommit: vc.LastCommit(),
	}
	cp.Commit = c.commit(cp)
	if len(c.key) > 0 {
		cp.Signature = c.sign(cp.Commit)
	}
	vc.Checkpoints = append(vc.Checkpoints, cp)
	return cp
}

// Verify returns the index of the first checkpoint that does not link to its
// predecessor or whose commitment/signature does not match, or -1.
func (c *Chain) Verify(checkpoints []Checkpoint) int {
	prev := ""
	for i, cp := range checkpoints {
		if cp.PrevCommit != prev || c.commit(cp) != cp.Commit {
			return i
		}
		if len(c.key) > 0 && !hmac.Equal(c.sign(cp.Commit), cp.Signature) {
			return i
		}
		prev = cp.Commit
	}
	return -1
}
