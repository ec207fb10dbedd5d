package engine

import (
	"sync"
	"testing"
)

func TestEvaluateGuardBadExpressionBlocks(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApproveGuard = `context.amount <`

	env := map[string]any{"context": map[string]any{"amount": 1}}
	if EvaluateGuard(chain, env) {
		t.Fatal("a guard that does not compile must never pass")
	}
}

func TestEvaluateGuardConcurrent(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApproveGuard = `context.amount < 100`
	env := map[string]any{
		"requester": map[string]any{},
		"resource":  map[string]any{},
		"context":   map[string]any{"amount": 10},
	}

	// Chains are shared via the registry, so first-use compilation races
	// between evaluations. Every caller must still get a correct answer.
	results := make([]bool, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = EvaluateGuard(chain, env)
		}(i)
	}
	wg.Wait()

	for i, passed := range results {
		if !passed {
			t.Fatalf("concurrent evaluation %d failed", i)
		}
	}
	if chain.Guard() == nil {
		t.Fatal("compiled guard must be cached after first use")
	}
}
