// Package discovery searches job boards for postings that match a search term.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/resilience"
)

// Provider searches one platform for postings matching a term.
type Provider interface {
	Search(ctx context.Context, term, platform string, maxItems int) ([]model.Posting, error)
}

// PlatformConfig describes one job-board search endpoint.
type PlatformConfig struct {
	ID      string `yaml:"id" mapstructure:"id"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// RequestsPerSecond throttles calls to this platform. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// Option configures the HTTP provider.
type Option func(*HTTPProvider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTPProvider) {
		p.http = hc
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *HTTPProvider) {
		p.retry = cfg
	}
}

type platform struct {
	cfg     PlatformConfig
	limiter *rate.Limiter
}

// HTTPProvider queries JSON search endpoints, one base URL per platform:
//
//	GET {base_url}/search?q=<term>&limit=<n>
//
// Transient statuses (408, 429, 5xx) are retried with backoff.
type HTTPProvider struct {
	platforms map[string]*platform
	http      *http.Client
	retry     resilience.RetryConfig
}

// NewHTTPProvider creates a provider for the configured platforms.
func NewHTTPProvider(platforms []PlatformConfig, opts ...Option) (*HTTPProvider, error) {
	p := &HTTPProvider{
		platforms: make(map[string]*platform, len(platforms)),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, pc := range platforms {
		if pc.ID == "" || pc.BaseURL == "" {
			return nil, &resilience.ConfigurationError{Key: "discovery.platforms", Reason: "id and base_url are required"}
		}
		if _, dup := p.platforms[pc.ID]; dup {
			return nil, &resilience.ConfigurationError{Key: "discovery.platforms", Reason: "duplicate platform " + pc.ID}
		}
		pl := &platform{cfg: pc}
		if pc.RequestsPerSecond > 0 {
			pl.limiter = rate.NewLimiter(rate.Limit(pc.RequestsPerSecond), 1)
		}
		p.platforms[pc.ID] = pl
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Platforms returns the configured platform IDs, sorted.
func (p *HTTPProvider) Platforms() []string {
	ids := make([]string, 0, len(p.platforms))
	for id := range p.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	ID          string `json:"id"`
	Company     string `json:"company"`
	Title       string `json:"title"`
	Location    string `json:"location"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Search returns at most maxItems postings for term on platformID, in the
// order the platform ranked them. Postings without a company are dropped.
func (p *HTTPProvider) Search(ctx context.Context, term, platformID string, maxItems int) ([]model.Posting, error) {
	pl, ok := p.platforms[platformID]
	if !ok {
		return nil, eris.Errorf("discovery: unknown platform %q", platformID)
	}

	q := url.Values{}
	q.Set("q", term)
	if maxItems > 0 {
		q.Set("limit", strconv.Itoa(maxItems))
	}
	reqURL := strings.TrimRight(pl.cfg.BaseURL, "/") + "/search?" + q.Encode()

	retry := p.retry
	retry.OnRetry = resilience.LogRetry("discovery", platformID)
	body, err := resilience.Retry(ctx, retry, func(ctx context.Context) ([]byte, error) {
		if pl.limiter != nil {
			if err := pl.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "discovery: rate limit wait")
			}
		}
		return p.get(ctx, platformID, reqURL, pl.cfg.APIKey)
	})
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &resilience.ParseError{Source: "discovery/" + platformID, Err: err}
	}

	postings := make([]model.Posting, 0, len(resp.Results))
	for _, r := range resp.Results {
		if strings.TrimSpace(r.Company) == "" {
			continue
		}
		postings = append(postings, model.Posting{
			Company:     strings.TrimSpace(r.Company),
			Title:       r.Title,
			Location:    r.Location,
			Description: r.Description,
			URL:         r.URL,
			ExternalID:  r.ID,
			Platform:    platformID,
		})
		if maxItems > 0 && len(postings) == maxItems {
			break
		}
	}
	zap.L().Debug("discovery: search complete",
		zap.String("platform", platformID),
		zap.String("term", term),
		zap.Int("postings", len(postings)),
	)
	return postings, nil
}

func (p *HTTPProvider) get(ctx context.Context, platformID, reqURL, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: create request")
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &resilience.ProviderError{Provider: platformID, Retryable: resilience.IsTransient(err), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &resilience.ProviderError{
			Provider:   platformID,
			StatusCode: resp.StatusCode,
			Retryable:  resilience.IsTransientHTTPStatus(resp.StatusCode),
			Err:        eris.Errorf("discovery: unexpected status: %s", snippet),
		}
	}
	return body, nil
}
