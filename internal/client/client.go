// Package client talks to a shipyard server's operator API.
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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/shipyard-go/internal/api"
	"github.com/animus-labs/shipyard-go/internal/domain"
)

type Config struct {
	BaseURL string
	// Token is a static bearer token. It wins over client credentials.
	Token string

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	Timeout time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", msg, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return domain.ErrRunNotFound
	case "target_not_found":
		return domain.ErrTargetNotFound
	case "run_finished":
		return domain.ErrRunFinished
	}
	return nil
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var httpClient *http.Client
	switch {
	case strings.TrimSpace(cfg.Token) != "":
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cfg.Token)}))
	case strings.TrimSpace(cfg.TokenURL) != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
	default:
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout
	return &Client{baseURL: base, http: httpClient}, nil
}

func (c *Client) StartRun(ctx context.Context, req api.StartRunRequest) (api.StartRunResponse, error) {
	var out api.StartRunResponse
	err := c.call(ctx, http.MethodPost, "/v1/runs", req, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (api.RunResponse, error) {
	var out api.RunResponse
	err := c.call(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

type ListOptions struct {
	Target string
	Status string
	Limit  int
}

func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]api.RunResponse, error) {
	q := url.Values{}
	if opts.Target != "" {
		q.Set("target", opts.Target)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.RunListResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) CancelRun(ctx context.Context, runID string) (api.RunResponse, error) {
	var out api.RunResponse
	err := c.call(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &out)
	return out, err
}

func (c *Client) Locks(ctx context.Context) ([]api.LockResponse, error) {
	var out api.LockListResponse
	if err := c.call(ctx, http.MethodGet, "/v1/admin/locks", nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// WaitRun polls until the run is terminal or ctx ends. The last snapshot is
// returned with ctx's error on timeout.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (api.RunResponse, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return run, err
		}
		if domain.RunStatus(run.Status).Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp.StatusCode, raw)
}

func decodeError(status int, raw []byte) error {
	var envelope struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	_ = json.Unmarshal(raw, &envelope)
	if status == http.StatusConflict && envelope.Code == "target_locked" {
		conflict := &domain.ConflictError{}
		conflict.TargetKey, _ = envelope.Details["target"].(string)
		conflict.HolderRunID, _ = envelope.Details["holder_run_id"].(string)
		return conflict
	}
	if envelope.Message == "" {
		envelope.Message = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: status, Code: envelope.Code, Message: envelope.Message, Details: envelope.Details}
}
