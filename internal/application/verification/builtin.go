package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

// ExpressionValidator evaluates a boolean govaluate expression. As a
// pre-task checker the parameters come from the task input and metadata, as a
// post-task validator from the result output, and as a truth validator from
// the claim evidence. Nested JSON keys are flattened with dots and must be
// bracketed in the expression, e.g. "[metrics.accuracy] >= 0.9".
type ExpressionValidator struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewExpressionValidator compiles expression.
func NewExpressionValidator(expression string) (*ExpressionValidator, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, errors.New("expression is required")
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	return &ExpressionValidator{source: src, expr: expr}, nil
}

func (v *ExpressionValidator) String() string { return v.source }

func (v *ExpressionValidator) evaluate(params map[string]interface{}) (verification.CheckResult, error) {
	out, err := v.expr.Evaluate(params)
	if err != nil {
		return verification.Fail(fmt.Sprintf("expression %q: %v", v.source, err)), nil
	}
	ok, isBool := out.(bool)
	if !isBool {
		return verification.CheckResult{}, fmt.Errorf("expression %q did not evaluate to boolean", v.source)
	}
	if !ok {
		return verification.Fail(fmt.Sprintf("expression %q is false", v.source)), nil
	}
	return verification.Pass(), nil
}

// Check implements verification.PreTaskChecker.
func (v *ExpressionValidator) Check(_ context.Context, task verification.Task) (verification.CheckResult, error) {
	params := jsonParams(task.Input)
	for k, val := range task.Metadata {
		params["metadata."+k] = val
	}
	params["kind"] = task.Kind
	params["agentId"] = task.AgentID
	return v.evaluate(params)
}

// Validate implements verification.PostTaskValidator.
func (v *ExpressionValidator) Validate(_ context.Context, _ verification.Task, result verification.Result) (verification.CheckResult, error) {
	params := jsonParams(result.Output)
	params["success"] = result.Success
	return v.evaluate(params)
}

// ValidateClaim implements verification.TruthValidator.
func (v *ExpressionValidator) ValidateClaim(_ context.Context, _ verification.Task, claim verification.Claim) (verification.TruthResult, error) {
	params := jsonParams(claim.Evidence)
	params["statement"] = claim.Statement
	res, err := v.evaluate(params)
	return verification.TruthResult{CheckResult: res}, err
}

// RequiredFields passes when every listed key is present in the JSON
// document: the task input for Check and the result output for Validate.
// Nested keys use dots.
type RequiredFields []string

func (f RequiredFields) missing(raw json.RawMessage) []string {
	params := jsonParams(raw)
	var out []string
	for _, key := range f {
		if v, ok := params[key]; !ok || v == nil {
			out = append(out, key)
		}
	}
	return out
}

func (f RequiredFields) result(raw json.RawMessage) verification.CheckResult {
	if missing := f.missing(raw); len(missing) > 0 {
		return verification.Fail("missing fields: " + strings.Join(missing, ", "))
	}
	return verification.Pass()
}

// Check implements verification.PreTaskChecker.
func (f RequiredFields) Check(_ context.Context, task verification.Task) (verification.CheckResult, error) {
	return f.result(task.Input), nil
}

// Validate implements verification.PostTaskValidator. A failed result never passes.
func (f RequiredFields) Validate(_ context.Context, _ verification.Task, result verification.Result) (verification.CheckResult, error) {
	if !result.Success {
		reason := "task reported failure"
		if result.Error != "" {
			reason += ": " + result.Error
		}
		return verification.Fail(reason), nil
	}
	return f.result(result.Output), nil
}

// ConsensusRequired is a truth validator that puts every claim to a vote
// among the given participants (in addition to the claim's own).
type ConsensusRequired []string

func (c ConsensusRequired) ValidateClaim(_ context.Context, _ verification.Task, _ verification.Claim) (verification.TruthResult, error) {
	return verification.TruthResult{RequiresConsensus: true, Participants: append([]string(nil), c...)}, nil
}

func jsonParams(raw json.RawMessage) map[string]interface{} {
	params := map[string]interface{}{}
	if len(raw) == 0 {
		return params
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return params
	}
	if m, ok := doc.(map[string]interface{}); ok {
		for k, v := range m {
			params[k] = v
		}
		flatten("", m, params)
	}
	return params
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
