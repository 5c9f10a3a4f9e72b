package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/merlt/merlt-backend/internal/pkg/httpx"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// Client is the language-model client used by the router, the experts and
// the synthesizer.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)

	// Structured outputs (json_schema). Returns the decoded object.
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, error)
}

// provider is one OpenAI-compatible endpoint. The client walks the provider
// chain in order; the next provider is only tried after the previous one's
// retry budget is exhausted.
type provider struct {
	baseURL string
	apiKey  string
	model   string
}

type client struct {
	log        *logger.Logger
	providers  []provider
	embedModel string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("openai: logger required")
	}

	primary := provider{
		baseURL: envutil.String("LLM_BASE_URL", "https://api.openai.com/v1"),
		apiKey:  strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		model:   envutil.String("LLM_MODEL", "gpt-4o-mini"),
	}
	if primary.apiKey == "" {
		return nil, fmt.Errorf("openai: missing LLM_API_KEY")
	}
	providers := []provider{primary}

	// Optional fallback provider, tried only after the primary is exhausted.
	if fbURL := strings.TrimSpace(os.Getenv("LLM_FALLBACK_BASE_URL")); fbURL != "" {
		providers = append(providers, provider{
			baseURL: fbURL,
			apiKey:  envutil.String("LLM_FALLBACK_API_KEY", primary.apiKey),
			model:   envutil.String("LLM_FALLBACK_MODEL", primary.model),
		})
	}

	timeout := envutil.Duration("LLM_HTTP_TIMEOUT", 60*time.Second)
	return &client{
		log:        log.With("client", "LLM"),
		providers:  providers,
		embedModel: envutil.String("LLM_EMBED_MODEL", "text-embedding-3-small"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: envutil.Int("LLM_MAX_RETRIES", 2),
		retryDelay: envutil.Duration("LLM_RETRY_DELAY", 500*time.Millisecond),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	format := map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   schemaName,
			"strict": true,
			"schema": schema,
		},
	}
	raw, err := c.chat(ctx, system, user, format)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("openai: decode %s output: %w", schemaName, err)
	}
	return out, nil
}

func (c *client) chat(ctx context.Context, system, user string, format map[string]any) (string, error) {
	msgs := []chatMessage{}
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})

	var lastErr error
	for pi, p := range c.providers {
		req := chatRequest{Model: p.model, Messages: msgs, ResponseFormat: format}
		body, err := c.postJSON(ctx, p, "/chat/completions", req)
		if err != nil {
			lastErr = err
			c.log.Warn("llm provider exhausted", "provider_index", pi, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			lastErr = fmt.Errorf("openai: decode chat response: %w", err)
			continue
		}
		if len(parsed.Choices) == 0 {
			lastErr = fmt.Errorf("openai: empty choices")
			continue
		}
		return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("openai: all providers failed: %w", lastErr)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	body, err := c.postJSON(ctx, c.providers[0], "/embeddings", embedRequest{
		Model: c.embedModel,
		Input: inputs,
	})
	if err != nil {
		return nil, err
	}
	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("openai: decode embeddings: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(inputs), len(parsed.Data))
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *client) postJSON(ctx context.Context, p provider, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	var retryAfter time.Duration
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := httpx.Backoff(attempt-1, c.retryDelay)
			// A 429/503 Retry-After hint from the provider overrides the
			// backoff when it asks for a longer wait.
			if retryAfter > delay {
				delay = retryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		retryAfter = 0
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.baseURL, "/")+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !httpx.IsRetryableError(err) {
				return nil, err
			}
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		statusErr := &httpx.StatusError{Status: resp.StatusCode, Body: string(body)}
		lastErr = statusErr
		if !httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, statusErr
		}
		retryAfter = httpx.RetryAfterDuration(resp, 0, 30*time.Second)
	}
	return nil, lastErr
}
