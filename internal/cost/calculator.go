// Package cost prices classifier calls from token usage.
package cost

// ModelRate is the USD price per million tokens for one model. Cache
// multipliers scale the input rate.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model IDs to their pricing.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// Usage is the token count reported for one provider call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// Calculator prices token usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Price returns the cost of u on modelID. Unpriced models cost nothing.
func (c *Calculator) Price(modelID string, u Usage) float64 {
	rate, ok := c.rates.Anthropic[modelID]
	if !ok {
		return 0
	}
	input := float64(u.Input) +
		float64(u.CacheWrite)*rate.CacheWriteMul +
		float64(u.CacheRead)*rate.CacheReadMul
	return (input*rate.Input + float64(u.Output)*rate.Output) / 1e6
}

// EstimateBatch prices a call covering items postings before it is made,
// from average per-item token counts plus a fixed prompt overhead.
func (c *Calculator) EstimateBatch(modelID string, items, inputPerItem, outputPerItem, promptOverhead int) float64 {
	if items <= 0 {
		return 0
	}
	return c.Price(modelID, Usage{
		Input:  promptOverhead + items*inputPerItem,
		Output: items * outputPerItem,
	})
}

// DefaultRates prices the default classifier model.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
		},
	}
}
