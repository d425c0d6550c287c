package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/cost"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/resilience"
	"github.com/sells-group/toolscout/pkg/anthropic"
)

const classifySystemPrompt = `You review job postings and decide which sales-engagement platforms the hiring company uses internally.
Tools: "outreach" (Outreach.io) and "salesloft" (Salesloft).
Ignore generic uses of the word "outreach" (community outreach, outreach coordinator) and tools listed only as "or similar" examples.
Answer with a JSON array and nothing else. One object per posting:
{"index": <posting index>, "tool": "none"|"outreach"|"salesloft"|"both", "confidence": <0.0-1.0>, "signals": [<short reasons>], "keywords": [<exact phrases>]}`

const maxDescriptionChars = 4000

// Rough per-item token counts used for up-front batch estimates.
const (
	estInputPerItem  = 900
	estOutputPerItem = 60
	estPromptTokens  = 250
)

// AnthropicConfig configures the Anthropic classification provider.
type AnthropicConfig struct {
	Model     string
	MaxTokens int64
	// CacheTTL is the prompt-cache TTL of the system prompt ("5m" or "1h").
	CacheTTL string
}

// AnthropicProvider classifies a whole batch in one Messages call.
type AnthropicProvider struct {
	client anthropic.Client
	calc   *cost.Calculator
	cfg    AnthropicConfig
}

// NewAnthropicProvider creates a Provider backed by client.
func NewAnthropicProvider(client anthropic.Client, calc *cost.Calculator, cfg AnthropicConfig) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.CacheTTL == "" {
		cfg.CacheTTL = "1h"
	}
	return &AnthropicProvider{client: client, calc: calc, cfg: cfg}
}

// EstimateBatch prices a batch of items before it is sent.
func (p *AnthropicProvider) EstimateBatch(items int) float64 {
	if p.calc == nil {
		return 0
	}
	return p.calc.EstimateBatch(p.cfg.Model, items, estInputPerItem, estOutputPerItem, estPromptTokens)
}

// ClassifyBatch sends items as one message and parses the JSON array reply.
func (p *AnthropicProvider) ClassifyBatch(ctx context.Context, items []Item) ([]ProviderResult, float64, error) {
	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:          p.cfg.Model,
		MaxTokens:      p.cfg.MaxTokens,
		System:         classifySystemPrompt,
		SystemCacheTTL: p.cfg.CacheTTL,
		Prompt:         buildBatchPrompt(items),
		Temperature:    &temp,
	})
	if err != nil {
		status := anthropic.StatusCode(err)
		return nil, 0, &resilience.ProviderError{
			Provider:   "anthropic",
			StatusCode: status,
			Retryable:  status == 0 || resilience.IsTransientHTTPStatus(status),
			Err:        err,
		}
	}

	var spent float64
	if p.calc != nil {
		spent = p.calc.Price(p.cfg.Model, cost.Usage{
			Input:      int(resp.Usage.Input),
			Output:     int(resp.Usage.Output),
			CacheWrite: int(resp.Usage.CacheWrite),
			CacheRead:  int(resp.Usage.CacheRead),
		})
	}

	results, err := parseBatchResponse(resp.Text)
	if err != nil {
		return nil, spent, err
	}
	return results, spent, nil
}

func buildBatchPrompt(items []Item) string {
	var b strings.Builder
	b.WriteString("Classify each posting.\n")
	for _, it := range items {
		desc := it.Description
		if len(desc) > maxDescriptionChars {
			desc = desc[:maxDescriptionChars]
		}
		fmt.Fprintf(&b, "\n### Posting %d\nCompany: %s\n", it.Index, it.Company)
		if it.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", it.Title)
		}
		fmt.Fprintf(&b, "Description:\n%s\n", desc)
	}
	return b.String()
}

// parseBatchResponse extracts the JSON array from text, tolerating code
// fences and surrounding prose.
func parseBatchResponse(text string) ([]ProviderResult, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, &resilience.ParseError{Source: "anthropic", Err: eris.New("no JSON array in response")}
	}
	var raw []ProviderResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, &resilience.ParseError{Source: "anthropic", Err: err}
	}
	for i := range raw {
		raw[i].Tool = model.ToolDetected(strings.ToLower(strings.TrimSpace(string(raw[i].Tool))))
	}
	return raw, nil
}
