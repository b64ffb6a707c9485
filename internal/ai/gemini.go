// Package ai generates review text through the Gemini REST API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"

	ProviderGemini   = "gemini"
	ProviderDisabled = "disabled"
)

// Placeholder prefixes the text returned when generation is unavailable.
const Placeholder = "[AI review unavailable]"

// IsPlaceholder reports whether text came from a failed or disabled generation.
func IsPlaceholder(text string) bool {
	return strings.HasPrefix(text, Placeholder)
}

// Settings supplies the provider and model at call time.
type Settings interface {
	AIProvider() string
	AIModel() string
}

type Client struct {
	apiKey   string
	baseURL  string
	model    string
	retries  int
	pause    time.Duration
	client   *http.Client
	settings Settings
	log      *log.Entry
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.client.Timeout = timeout }
}

// WithRetries sets how many times a failed call is retried and the base pause;
// the nth retry waits n*pause.
func WithRetries(n int, pause time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.pause = pause
	}
}

func WithSettings(s Settings) Option {
	return func(c *Client) { c.settings = s }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		retries: 2,
		pause:   2 * time.Second,
		client:  &http.Client{Timeout: 90 * time.Second},
		log:     log.WithField("component", "ai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

// Generate never fails: after the retries are spent it returns Placeholder
// followed by the last error.
func (c *Client) Generate(ctx context.Context, prompt string) string {
	model := c.model
	if c.settings != nil {
		if c.settings.AIProvider() == ProviderDisabled {
			return Placeholder + ": provider disabled"
		}
		if m := c.settings.AIModel(); m != "" {
			model = m
		}
	}
	if c.apiKey == "" {
		return Placeholder + ": no API key configured"
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Sprintf("%s: %v", Placeholder, ctx.Err())
			case <-time.After(time.Duration(attempt) * c.pause):
			}
		}
		text, err := c.generateOnce(ctx, model, prompt)
		if err == nil {
			return text
		}
		lastErr = fault.Wrap(fault.AIProvider, "generate", err)
		c.log.Warnf("Generation attempt %d failed: %v", attempt+1, err)
	}
	return fmt.Sprintf("%s: %v", Placeholder, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, model, prompt string) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	body, err := json.Marshal(generateRequest{Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Errorf("API error (status %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return "", errors.Errorf("prompt blocked: %s", out.PromptFeedback.BlockReason)
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty response")
	}
	return sb.String(), nil
}
