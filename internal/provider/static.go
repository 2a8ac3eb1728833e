package provider

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNoResponses = errors.New("static provider has no responses")

// Static replays scripted responses in order, repeating the last one once
// the script is exhausted.
type Static struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func NewStatic(responses ...string) *Static {
	return &Static{responses: responses}
}

func (s *Static) Invoke(ctx context.Context, prompt string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return "", ErrNoResponses
	}
	i := len(s.prompts)
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.prompts = append(s.prompts, prompt)
	return s.responses[i], nil
}

// Prompts returns every prompt received so far.
func (s *Static) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
