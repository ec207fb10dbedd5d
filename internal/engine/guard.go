package engine

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"accessgate/internal/metadata"
)

// CompileGuard compiles an auto-approve guard expression into an
// expr-lang program returning bool.
func CompileGuard(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard: %w", err)
	}
	return prog, nil
}

// EvaluateGuard runs a chain's auto-approve guard against the evaluation
// environment. A chain without a guard passes. Compilation is lazy and
// cached on the chain (atomically, since chains are shared across
// concurrent evaluations); a guard that fails to compile or run never
// auto-approves.
func EvaluateGuard(chain *metadata.ApprovalChain, env map[string]any) bool {
	if chain.AutoApproveGuard == "" {
		return true
	}

	prog := chain.Guard()
	if prog == nil {
		compiled, err := CompileGuard(chain.AutoApproveGuard)
		if err != nil {
			log.Printf("WARN: chain %s guard compile failed: %v", chain.ID, err)
			return false
		}
		chain.SetGuard(compiled)
		prog = compiled
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		log.Printf("WARN: chain %s guard evaluation failed: %v", chain.ID, err)
		return false
	}

	passed, ok := result.(bool)
	return ok && passed
}
