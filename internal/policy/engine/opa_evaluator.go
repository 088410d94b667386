package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const manageQuery = "data.waypoint.manage.allow"

// Default Rego policy matching NativeManage.
const defaultRegoPolicy = `package waypoint.manage

default allow := false

allow if {
	input.actor.id == input.target.id
}

allow if {
	input.actor.is_admin
}

allow if {
	input.facts.shared_room_admin
}

allow if {
	input.facts.active_guardian
}
`

// OPAEvaluator evaluates manage permission with a prepared Rego query.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
	log   *zap.Logger
}

// LoadPolicy returns the contents of path, or the default policy when path is empty.
func LoadPolicy(path string) (string, error) {
	if path == "" {
		return defaultRegoPolicy, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", path, err)
	}
	return string(b), nil
}

// NewOPAEvaluator compiles policy (the default when empty) and prepares the manage query.
func NewOPAEvaluator(ctx context.Context, policy string, log *zap.Logger) (*OPAEvaluator, error) {
	if policy == "" {
		policy = defaultRegoPolicy
	}
	if log == nil {
		log = zap.NewNop()
	}
	compiler, err := ast.CompileModules(map[string]string{"manage.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(manageQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: q, log: log}, nil
}

// HealthCheck evaluates the prepared query against a self-manage input, which every policy must allow.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.eval(ctx, ManageInput{ActorID: "health", TargetID: "health"})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("policy denies self-manage")
	}
	return nil
}

// CanManage evaluates the policy. On evaluation failure it logs and falls back to NativeManage.
func (e *OPAEvaluator) CanManage(ctx context.Context, in ManageInput) (bool, error) {
	ok, err := e.eval(ctx, in)
	if err != nil {
		e.log.Warn("policy: evaluation failed, using native rule",
			zap.String("actor", in.ActorID), zap.String("target", in.TargetID), zap.Error(err))
		return NativeManage(in), nil
	}
	return ok, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in ManageInput) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy result is %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

func buildInput(in ManageInput) map[string]interface{} {
	return map[string]interface{}{
		"actor": map[string]interface{}{
			"id":       in.ActorID,
			"is_admin": in.ActorIsAdmin,
		},
		"target": map[string]interface{}{
			"id": in.TargetID,
		},
		"facts": map[string]interface{}{
			"shared_room_admin": in.SharedRoomAdmin,
			"active_guardian":   in.ActiveGuardian,
		},
	}
}
