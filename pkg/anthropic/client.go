// Package anthropic wraps the official SDK behind the single-turn completion
// call the classifier makes, and meters token spend per model.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is one system + user exchange. CacheSystem marks the system text as
// an ephemeral cache breakpoint.
type Prompt struct {
	Model       string
	MaxTokens   int64
	System      string
	CacheSystem bool
	User        string
	Temperature *float64
}

// Completion is the text answer of a Prompt.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	err        error
}

func (e *APIError) Error() string { return e.err.Error() }

func (e *APIError) Unwrap() error { return e.err }

// Overloaded reports whether the API asked the caller to back off.
func (e *APIError) Overloaded() bool {
	switch e.StatusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK with SDK-level retries off;
// callers own the retry policy. opts are appended, so tests can override the
// base URL.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.Model),
		MaxTokens: p.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.User))},
	}
	if p.System != "" {
		block := sdk.TextBlockParam{Text: p.System}
		if p.CacheSystem {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		params.System = []sdk.TextBlockParam{block}
	}
	if p.Temperature != nil {
		params.Temperature = sdk.Float(*p.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var sdkErr *sdk.Error
		if errors.As(err, &sdkErr) {
			return nil, &APIError{StatusCode: sdkErr.StatusCode, err: eris.Wrap(err, "anthropic: complete")}
		}
		return nil, eris.Wrap(err, "anthropic: complete")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}
