package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Retries applies to transport errors and retryable 5xx responses.
	Retries int
}

// APIError is a non-2xx response from the gate service.
type APIError struct {
	Status    int
	Message   string
	Kind      string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("gate service %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("gate service %d: %s", e.Status, e.Message)
}

type Client struct {
	base    string
	token   string
	http    *http.Client
	timeout time.Duration
	retries int
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gate service url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gate service url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
		timeout: timeout,
		retries: retries,
	}, nil
}

type CheckRequest struct {
	OrgID                string  `json:"orgId,omitempty"`
	Repo                 string  `json:"repo"`
	Branch               string  `json:"branch"`
	PRNumber             int     `json:"prNumber"`
	KgCO2e               float64 `json:"kgCO2e"`
	GPUType              string  `json:"gpuType"`
	GridIntensityGPerKWh float64 `json:"gridIntensityGPerKWh,omitempty"`
}

func (c *Client) Check(ctx context.Context, req CheckRequest) (models.GateDecision, error) {
	var d models.GateDecision
	err := c.do(ctx, http.MethodPost, "/gate/check", req, &d)
	return d, err
}

func (c *Client) History(ctx context.Context, limit int) ([]models.GateEvent, error) {
	path := "/gate/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Events []models.GateEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// KPI summarises [start, end). Zero bounds let the service use the active period.
func (c *Client) KPI(ctx context.Context, start, end time.Time) (models.KPISummary, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339))
	}
	path := "/gate/kpi"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var s models.KPISummary
	err := c.do(ctx, http.MethodGet, path, nil, &s)
	return s, err
}

func (c *Client) GetPolicy(ctx context.Context, org string) (models.BudgetPolicy, error) {
	var p models.BudgetPolicy
	err := c.do(ctx, http.MethodGet, "/gate/policy/"+url.PathEscape(org), nil, &p)
	return p, err
}

func (c *Client) PutPolicy(ctx context.Context, org string, budgetKg, warningPct float64) (models.BudgetPolicy, error) {
	body := map[string]float64{"budgetKg": budgetKg, "warningPct": warningPct}
	var p models.BudgetPolicy
	err := c.do(ctx, http.MethodPut, "/gate/policy/"+url.PathEscape(org), body, &p)
	return p, err
}

func (c *Client) ProviderStatus(ctx context.Context) (bool, error) {
	var resp struct {
		Reachable bool `json:"reachable"`
	}
	err := c.do(ctx, http.MethodGet, "/gate/provider/status", nil, &resp)
	return resp.Reachable, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		lastErr = c.once(ctx, method, path, payload, out)
		var apiErr *APIError
		if lastErr == nil || (errors.As(lastErr, &apiErr) && !apiErr.Retryable) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error     string `json:"error"`
			Kind      string `json:"kind"`
			Retryable bool   `json:"retryable"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{
			Status:    resp.StatusCode,
			Message:   e.Error,
			Kind:      e.Kind,
			Retryable: e.Retryable || resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
