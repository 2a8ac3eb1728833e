package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/msageha/tandem/internal/model"
)

const (
	DefaultAnthropicModel     = "claude-sonnet-4-5"
	DefaultAnthropicMaxTokens = 4096
	DefaultAPIKeyEnv          = "ANTHROPIC_API_KEY"
)

var ErrAPIKeyRequired = errors.New("API key required")

// Anthropic calls the Messages API directly.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic reads the API key from cfg.APIKeyEnv (ANTHROPIC_API_KEY by
// default). The SDK's own retries are disabled; WithRetry owns that.
func NewAnthropic(cfg model.ProviderConfig, opts ...option.RequestOption) (*Anthropic, error) {
	env := cfg.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, fmt.Errorf("%w: set %s", ErrAPIKeyRequired, env)
	}
	m := cfg.Model
	if m == "" {
		m = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	all := append([]option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(all...),
		model:     anthropic.Model(m),
		maxTokens: int64(maxTokens),
	}, nil
}

func (a *Anthropic) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if callCtx.Err() != nil {
			return "", fmt.Errorf("%w after %s: anthropic %s", ErrTimeout, timeout, a.model)
		}
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("unexpected response format: no text blocks")
	}
	return b.String(), nil
}
