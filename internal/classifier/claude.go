package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/pkg/anthropic"
)

const systemPrompt = `You are a Brazilian fiscal classification specialist.
Given a product description, return the single best code for the requested table:
- NCM: the 8-digit Nomenclatura Comum do Mercosul code.
- CEST: the 7-digit Codigo Especificador da Substituicao Tributaria, or an empty
  code when the product is not subject to tax substitution.
Respond with one JSON object and nothing else:
{"code": "<digits>", "confidence": <number between 0 and 1>, "justification": "<one or two sentences>"}`

// ClaudeConfig configures the Claude classifier. Meter, when set, records
// token usage of every completed call.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
	RPS       float64
	Meter     *anthropic.Meter
}

// Claude classifies descriptions with an Anthropic model.
type Claude struct {
	client  anthropic.Client
	cfg     ClaudeConfig
	limiter *rate.Limiter
}

// NewClaude wraps client. A non-positive RPS disables rate limiting.
func NewClaude(client anthropic.Client, cfg ClaudeConfig) *Claude {
	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Claude{client: client, cfg: cfg, limiter: rate.NewLimiter(limit, burst)}
}

func (c *Claude) Classify(ctx context.Context, req Request) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, providerError(ctx, err, req.Stage)
	}

	temp := 0.0
	start := time.Now()
	resp, err := c.client.Complete(ctx, anthropic.Prompt{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      systemPrompt,
		CacheSystem: true,
		User:        buildPrompt(req),
		Temperature: &temp,
	})
	if err != nil {
		return Result{}, providerError(ctx, err, req.Stage)
	}
	if c.cfg.Meter != nil {
		c.cfg.Meter.Record(c.cfg.Model, resp.Usage)
	}

	var out Result
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &out); err != nil {
		return Result{}, eris.Wrapf(model.ErrProvider, "classifier: parse %s response: %v", req.Stage, err)
	}
	out.Code = strings.TrimSpace(out.Code)

	zap.L().Debug("classifier: response",
		zap.String("stage", string(req.Stage)),
		zap.String("code", out.Code),
		zap.Float64("confidence", out.Confidence),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

// providerError maps a failed call onto the classifier error taxonomy.
func providerError(ctx context.Context, err error, stage model.StageKind) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return eris.Wrapf(model.ErrTimeout, "classifier: %s: %v", stage, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return eris.Wrapf(ctx.Err(), "classifier: %s: %v", stage, err)
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		zap.L().Debug("classifier: api error",
			zap.String("stage", string(stage)),
			zap.Int("status", apiErr.StatusCode),
			zap.Bool("overloaded", apiErr.Overloaded()),
		)
		return eris.Wrapf(model.ErrProvider, "classifier: %s: status %d: %v", stage, apiErr.StatusCode, err)
	}
	return eris.Wrapf(model.ErrProvider, "classifier: %s: %v", stage, err)
}

func buildPrompt(req Request) string {
	var b strings.Builder
	table := "NCM"
	if req.Stage == model.StageCEST {
		table = "CEST"
	}
	fmt.Fprintf(&b, "Table: %s\n", table)
	fmt.Fprintf(&b, "Product description: %s\n", req.Description)

	if len(req.Hints) > 0 {
		keys := make([]string, 0, len(req.Hints))
		for k := range req.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nKnown facts:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", hintLabel(k), req.Hints[k])
		}
	}
	if len(req.Context) > 0 {
		b.WriteString("\nReference material:\n")
		for _, s := range req.Context {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

func hintLabel(key string) string {
	switch key {
	case HintNCM:
		return "NCM already assigned"
	case HintCurrent:
		return "code currently on file (may be wrong)"
	case HintGoldenCode:
		return "code of a similar validated product"
	default:
		return key
	}
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
