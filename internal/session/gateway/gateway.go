// Package gateway is a session.Source backed by a broker quoting gateway's REST API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL, apiKey, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type statusResponse struct {
	Ready bool `json:"ready"`
}

type snapshotRequest struct {
	Codes []string `json:"codes"`
}

type snapshotResponse struct {
	Snapshots []snapshot  `json:"snapshots"`
	Errors    []codeError `json:"errors"`
}

type snapshot struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Close       float64 `json:"close"`
	ChangePrice float64 `json:"change_price"`
	ChangeRate  float64 `json:"change_rate"`
	Volume      int64   `json:"volume"`
	TotalVolume int64   `json:"total_volume"`
	TotalAmount float64 `json:"total_amount"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	BuyPrice    float64 `json:"buy_price"`
	SellPrice   float64 `json:"sell_price"`
	AvgPrice    float64 `json:"average_price"`
	TS          int64   `json:"ts"`
}

type codeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Login(ctx context.Context) error {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/login", loginRequest{APIKey: c.apiKey, SecretKey: c.secretKey}, &resp); err != nil {
		return errors.Wrap(err, "gateway login")
	}
	if resp.Token == "" {
		return errors.New("gateway login returned no token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) ReferenceReady(ctx context.Context) (bool, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/contracts/status", nil, &resp); err != nil {
		return false, errors.Wrap(err, "contract status")
	}
	return resp.Ready, nil
}

// Snapshots fetches a batch; codes the gateway could not resolve are skipped.
func (c *Client) Snapshots(ctx context.Context, symbols []string) (map[string]types.Snapshot, error) {
	var resp snapshotResponse
	if err := c.do(ctx, http.MethodPost, "/snapshots", snapshotRequest{Codes: symbols}, &resp); err != nil {
		return nil, errors.Wrap(err, "snapshots")
	}

	for _, e := range resp.Errors {
		log.Debugf("gateway skipped %s: %s", e.Code, e.Message)
	}

	out := make(map[string]types.Snapshot, len(resp.Snapshots))
	for _, s := range resp.Snapshots {
		if s.Code == "" {
			continue
		}
		captured := time.Now()
		if s.TS > 0 {
			captured = time.UnixMilli(s.TS)
		}
		out[s.Code] = types.Snapshot{
			Symbol:        s.Code,
			Name:          s.Name,
			Price:         s.Close,
			Change:        s.ChangePrice,
			ChangePercent: s.ChangeRate,
			Volume:        s.Volume,
			TotalVolume:   s.TotalVolume,
			TotalAmount:   s.TotalAmount,
			Open:          s.Open,
			High:          s.High,
			Low:           s.Low,
			Close:         s.Close,
			Bid:           s.BuyPrice,
			Ask:           s.SellPrice,
			VWAP:          s.AvgPrice,
			CapturedAt:    captured,
		}
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/logout", nil, nil)

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return errors.Wrap(err, "gateway logout")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(out))
	}
	return nil
}
