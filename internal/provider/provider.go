// Package provider invokes the AI collaborators that write implementations
// and reviews. The concrete implementation is chosen once from config.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/procexec"
)

var (
	ErrNotFound = procexec.ErrNotFound
	ErrTimeout  = procexec.ErrTimeout
)

// Provider sends a prompt and returns the response text. The response is
// untrusted. Implementations must honor both ctx and timeout.
type Provider interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// New builds the provider selected by cfg.Kind.
func New(cfg model.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case model.ProviderCLI, "":
		return NewCLI(cfg.Command)
	case model.ProviderAnthropic:
		return NewAnthropic(cfg)
	case model.ProviderStatic:
		return NewStatic(cfg.Responses...), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// FromConfig builds the provider for cfg and wraps it with the configured
// retry policy. A CLI provider runs in dir.
func FromConfig(cfg model.ProviderConfig, retry model.RetryConfig, dir string, logger *logging.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Kind {
	case model.ProviderCLI, "":
		var c *CLI
		if c, err = NewCLI(cfg.Command); err == nil {
			p = c.InDir(dir)
		}
	default:
		p, err = New(cfg)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(p, BackoffPolicy(retry), logger), nil
}
