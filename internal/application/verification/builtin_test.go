package verification

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

func TestExpressionValidator(t *testing.T) {
	ctx := context.Background()

	_, err := NewExpressionValidator("  ")
	assert.Error(t, err)
	_, err = NewExpressionValidator("(a > 1")
	assert.Error(t, err)

	v, err := NewExpressionValidator("success && [metrics.accuracy] >= 0.9")
	require.NoError(t, err)

	res, err := v.Validate(ctx, verification.Task{}, verification.Result{Success: true, Output: json.RawMessage(`{"metrics":{"accuracy":0.93}}`)})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = v.Validate(ctx, verification.Task{}, verification.Result{Success: true, Output: json.RawMessage(`{"metrics":{"accuracy":0.5}}`)})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = v.Validate(ctx, verification.Task{}, verification.Result{Success: true, Output: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Passed, "missing parameters fail the check")

	notBool, err := NewExpressionValidator("1 + 1")
	require.NoError(t, err)
	_, err = notBool.Validate(ctx, verification.Task{}, verification.Result{})
	assert.Error(t, err)
}

func TestExpressionValidator_PreTaskAndClaim(t *testing.T) {
	ctx := context.Background()
	v, err := NewExpressionValidator("kind == 'train' && [metadata.tier] == 'gold'")
	require.NoError(t, err)
	res, err := v.Check(ctx, verification.Task{Kind: "train", Metadata: map[string]string{"tier": "gold"}})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	res, err = v.Check(ctx, verification.Task{Kind: "eval", Metadata: map[string]string{"tier": "gold"}})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	claim, err := NewExpressionValidator("samples > 100")
	require.NoError(t, err)
	tr, err := claim.ValidateClaim(ctx, verification.Task{}, verification.Claim{Evidence: json.RawMessage(`{"samples":250}`)})
	require.NoError(t, err)
	assert.True(t, tr.Passed)
	assert.False(t, tr.RequiresConsensus)
}

func TestRequiredFields(t *testing.T) {
	ctx := context.Background()
	f := RequiredFields{"answer", "meta.source"}

	res, err := f.Validate(ctx, verification.Task{}, verification.Result{Success: true, Output: json.RawMessage(`{"answer":1,"meta":{"source":"db"}}`)})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = f.Validate(ctx, verification.Task{}, verification.Result{Success: true, Output: json.RawMessage(`{"answer":null}`)})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "missing fields: answer, meta.source", res.Reason)

	res, err = f.Validate(ctx, verification.Task{}, verification.Result{Success: false, Error: "oom"})
	require.NoError(t, err)
	assert.Equal(t, "task reported failure: oom", res.Reason)

	res, err = RequiredFields{"dataset"}.Check(ctx, verification.Task{Input: json.RawMessage(`{"dataset":"a"}`)})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}
