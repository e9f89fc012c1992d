package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClient calls an OpenAI-compatible chat completions endpoint. When a
// secondary endpoint is configured, it is tried after the primary fails.
type HTTPClient struct {
	primary    string
	secondary  string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds classifier endpoint configuration
type Config struct {
	Endpoint          string
	SecondaryEndpoint string
	Model             string
	APIKey            string
	Timeout           time.Duration
}

// NewHTTPClient creates a classifier client
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		primary:   cfg.Endpoint,
		secondary: cfg.SecondaryEndpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify asks the model for one category. The primary endpoint is tried
// first; on failure the secondary takes over. All failures collapse into
// ErrUnavailable so callers can branch on kind.
func (c *HTTPClient) Classify(ctx context.Context, text string) (string, error) {
	prompt := buildPrompt(text)

	category, primaryErr := c.callEndpoint(ctx, c.primary, prompt)
	if primaryErr == nil {
		return category, nil
	}

	if c.secondary != "" {
		c.logger.Warn("primary classifier failed, trying secondary",
			"error", primaryErr)
		category, secondaryErr := c.callEndpoint(ctx, c.secondary, prompt)
		if secondaryErr == nil {
			return category, nil
		}
		return "", fmt.Errorf("%w: primary: %v; secondary: %v",
			ErrUnavailable, primaryErr, secondaryErr)
	}

	return "", fmt.Errorf("%w: %v", ErrUnavailable, primaryErr)
}

func (c *HTTPClient) callEndpoint(ctx context.Context, endpoint, prompt string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint configured")
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   20,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimSuffix(endpoint, "/")+"/v1/chat/completions",
		bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}

	return normalizeCategory(parsed.Choices[0].Message.Content), nil
}

const systemPrompt = `You are an email classifier. Respond with exactly one category name and nothing else.`

func buildPrompt(text string) string {
	return fmt.Sprintf(`Classify this email into exactly one of these categories:
%s

Email:
%s

Category:`, strings.Join(KnownCategories, ", "), text)
}

// normalizeCategory maps free-form model output onto the known set
func normalizeCategory(raw string) string {
	answer := strings.TrimSpace(raw)
	answer = strings.Trim(answer, `"'.`)

	for _, category := range KnownCategories {
		if strings.EqualFold(answer, category) {
			return category
		}
	}

	// Models sometimes echo "Category: X"
	if idx := strings.LastIndex(answer, ":"); idx >= 0 {
		tail := strings.TrimSpace(answer[idx+1:])
		for _, category := range KnownCategories {
			if strings.EqualFold(tail, category) {
				return category
			}
		}
	}

	return CategoryOther
}
