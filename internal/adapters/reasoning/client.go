// Package reasoning adapts a text-generation HTTP endpoint to core.Reasoner.
package reasoning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Config configures the generation endpoint. APIKey, when set, is sent as a
// bearer token and never echoed in errors.
type Config struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("reasoning url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

type request struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

// Decide asks the endpoint which bots reply. Any transport, status or decode
// failure is an ExternalReasoningError.
func (c *Client) Decide(ctx context.Context, p core.Prompt) ([]core.Decision, error) {
	if len(p.Bots) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{Model: c.cfg.Model, System: systemPrompt, Prompt: BuildPrompt(p)})
	if err != nil {
		return nil, &domain.ExternalReasoningError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ExternalReasoningError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalReasoningError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &domain.ExternalReasoningError{Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))}
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, &domain.ExternalReasoningError{Err: fmt.Errorf("decode response: %w", err)}
	}
	decisions, err := ParseDecisions(payload.Text)
	if err != nil {
		return nil, &domain.ExternalReasoningError{Err: err}
	}
	log.Debug().Str("module", "reasoning").Int("decisions", len(decisions)).Dur("took", time.Since(start)).Msg("decided")
	return decisions, nil
}

// ParseDecisions decodes the model's JSON array, tolerating a fenced code
// block around it. Blank output means nobody replies.
func ParseDecisions(text string) ([]core.Decision, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var out []core.Decision
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("malformed decisions: %w", err)
	}
	return out, nil
}

// Silent is used when no endpoint is configured: bots never reply.
type Silent struct{}

func (Silent) Decide(context.Context, core.Prompt) ([]core.Decision, error) { return nil, nil }
