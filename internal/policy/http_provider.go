package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPProvider fetches policy from a JSON endpoint and caches the snapshot
// for a short TTL. On fetch failure a stale snapshot is served rather than
// failing the run.
type HTTPProvider struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	cached *Snapshot
}

// NewHTTPProvider creates a TTL-cached policy client
func NewHTTPProvider(url string, ttl time.Duration, logger *slog.Logger) *HTTPProvider {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &HTTPProvider{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type policyResponse struct {
	AllowedDomains    []string `json:"allowed_domains"`
	BlockedDomains    []string `json:"blocked_domains"`
	BlockedCategories []struct {
		Category string `json:"category"`
		Action   string `json:"action"`
	} `json:"blocked_categories"`
}

// Snapshot returns the cached snapshot when fresh, otherwise refetches
func (p *HTTPProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached != nil && time.Since(cached.FetchedAt) < p.ttl {
		return cached, nil
	}

	fresh, err := p.fetch(ctx)
	if err != nil {
		if cached != nil {
			p.logger.Warn("policy fetch failed, serving stale snapshot",
				"age", time.Since(cached.FetchedAt), "error", err)
			return cached, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.cached = fresh
	p.mu.Unlock()

	return fresh, nil
}

func (p *HTTPProvider) fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy endpoint returned status %d", resp.StatusCode)
	}

	var parsed policyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode policy response: %w", err)
	}

	snapshot := &Snapshot{
		AllowedDomains:    make(map[string]bool, len(parsed.AllowedDomains)),
		BlockedDomains:    make(map[string]bool, len(parsed.BlockedDomains)),
		BlockedCategories: make(map[string]Action, len(parsed.BlockedCategories)),
		FetchedAt:         time.Now().UTC(),
	}
	for _, d := range parsed.AllowedDomains {
		snapshot.AllowedDomains[strings.ToLower(d)] = true
	}
	for _, d := range parsed.BlockedDomains {
		snapshot.BlockedDomains[strings.ToLower(d)] = true
	}
	for _, bc := range parsed.BlockedCategories {
		action := Action(bc.Action)
		if action != ActionArchive {
			action = ActionDelete
		}
		snapshot.BlockedCategories[bc.Category] = action
	}

	return snapshot, nil
}
