package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/aviaryai/aviary/internal/reasoning"
)

// Switcher implements reasoning.ModelSwitcher: when the active model keeps
// erroring out, it hands the engine the next adapter in an ordered fallback
// chain, the same "switch to fallback_model after an LLM error or a
// task_monitor timeout" behavior as reasoning_engine.py's
// _check_model_switch/_handle_llm_error, generalized from a single
// configured fallback to an arbitrary ordered chain.
type Switcher struct {
	mu      sync.Mutex
	chain   []*Adapter
	current int
}

// NewSwitcher builds a Switcher over an ordered fallback chain. The first
// entry is expected to be the primary model the engine starts on.
func NewSwitcher(chain ...*Adapter) *Switcher {
	return &Switcher{chain: chain}
}

// Switch returns the next adapter after the one that just failed. It wraps
// around to the start of the chain rather than erroring out, since a model
// that failed once may have recovered by the time the rotation comes back
// to it; callers bound overall retries via ConsecutiveFailThreshold in the
// reasoning engine, not here.
func (s *Switcher) Switch(ctx context.Context, failed reasoning.LLM) (reasoning.LLM, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chain) == 0 {
		return nil, "", fmt.Errorf("llm: no fallback models configured")
	}
	if len(s.chain) == 1 {
		return nil, "", fmt.Errorf("llm: no fallback available beyond %s", s.chain[0].Model())
	}

	for i := 1; i <= len(s.chain); i++ {
		idx := (s.current + i) % len(s.chain)
		candidate := s.chain[idx]
		if candidate.Model() == failed.Model() {
			continue
		}
		s.current = idx
		return candidate, candidate.Model(), nil
	}
	return nil, "", fmt.Errorf("llm: no alternative to %s in fallback chain", failed.Model())
}
