package anthropic

import (
	"sort"
	"sync"
)

// Usage counts tokens for one or more calls.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Rate is per-million-token pricing for one model. Cache multipliers apply
// to the input price.
type Rate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model IDs to pricing.
type Rates map[string]Rate

// DefaultRates returns list pricing for the models the classifier is run with.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}

// Cost prices u in USD. Unknown models cost 0.
func (r Rates) Cost(model string, u Usage) float64 {
	rate, ok := r[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1e6 * rate.Input
	out := float64(u.OutputTokens) / 1e6 * rate.Output
	cw := float64(u.CacheWriteTokens) / 1e6 * rate.Input * rate.CacheWriteMul
	cr := float64(u.CacheReadTokens) / 1e6 * rate.Input * rate.CacheReadMul
	return in + out + cw + cr
}

// Meter accumulates usage per model. It is safe for concurrent use.
type Meter struct {
	mu      sync.Mutex
	byModel map[string]Usage
	calls   int
}

// NewMeter returns an empty Meter.
func NewMeter() *Meter {
	return &Meter{byModel: make(map[string]Usage)}
}

// Record adds one call's usage.
func (m *Meter) Record(model string, u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byModel[model] = m.byModel[model].Add(u)
	m.calls++
}

// Calls returns the number of recorded calls.
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Total returns the usage summed over every model.
func (m *Meter) Total() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total Usage
	for _, u := range m.byModel {
		total = total.Add(u)
	}
	return total
}

// Cost prices everything recorded so far.
func (m *Meter) Cost(rates Rates) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	models := make([]string, 0, len(m.byModel))
	for model := range m.byModel {
		models = append(models, model)
	}
	sort.Strings(models)

	var usd float64
	for _, model := range models {
		usd += rates.Cost(model, m.byModel[model])
	}
	return usd
}
