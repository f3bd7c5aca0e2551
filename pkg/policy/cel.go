package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// celEnv wraps the shared CEL environment for expression policies.
// The full attribute context is exposed as `attrs`; the common top-level
// fields are also bound directly for readable expressions.
type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("attrs", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("client_id", types.StringType),
			decls.NewVariable("scopes", types.NewListType(types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &celEnv{env: env}, nil
}

type celProgram struct {
	prog cel.Program
}

func (e *celEnv) compile(source string) (*celProgram, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation failed: %w", issues.Err())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}
	return &celProgram{prog: prog}, nil
}

// eval runs the program. Any evaluation error or non-boolean result counts
// as no-match (fail closed).
func (p *celProgram) eval(ctx context.Context, attrs map[string]any) bool {
	input := map[string]any{
		"attrs":     attrs,
		"client_id": "",
		"scopes":    []any{},
	}
	if cid, ok := attrs["client_id"].(string); ok {
		input["client_id"] = cid
	}
	if scopes, ok := attrs["scopes"].([]any); ok {
		input["scopes"] = scopes
	}

	out, _, err := p.prog.ContextEval(ctx, input)
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
