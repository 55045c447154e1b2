// Package backend talks to the remote question-answering service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	defaultApproach      = "full_context"
	defaultHealthTimeout = 2 * time.Second
	defaultInfoTimeout   = 5 * time.Second
	defaultQueryTimeout  = 30 * time.Second

	// maxResponseBytes caps how much of a backend response body is read.
	maxResponseBytes = 1 << 20

	noDocumentStatus = "No document uploaded yet"
)

// ErrBackendUnavailable is wrapped by every failed GetDocumentInfo and Query
// call: transport failure, timeout, non-2xx status or an undecodable body.
var ErrBackendUnavailable = errors.New("backend unavailable")

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Code, e.Body)
}

// Client implements domain.Backend over HTTP.
type Client struct {
	baseURL       string
	approach      string
	healthTimeout time.Duration
	infoTimeout   time.Duration
	queryTimeout  time.Duration
	client        *http.Client
	logger        *slog.Logger
}

type Config struct {
	BaseURL       string
	Approach      string
	HealthTimeout time.Duration
	InfoTimeout   time.Duration
	QueryTimeout  time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

var _ domain.Backend = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Approach == "" {
		cfg.Approach = defaultApproach
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.InfoTimeout <= 0 {
		cfg.InfoTimeout = defaultInfoTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.QueryTimeout + 5*time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		approach:      cfg.Approach,
		healthTimeout: cfg.HealthTimeout,
		infoTimeout:   cfg.InfoTimeout,
		queryTimeout:  cfg.QueryTimeout,
		client:        cfg.HTTPClient,
		logger:        cfg.Logger,
	}
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckHealth reports whether GET /health answers 2xx within the health
// timeout. It never returns an error; every failure reads as unhealthy.
func (c *Client) CheckHealth(ctx context.Context) bool {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	resp, err := c.do(ctx, "health", http.MethodGet, "/health", nil)
	if err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
	}
	metrics.ObserveBackend("health", started, err)
	if err != nil {
		c.logger.Warn("backend health check failed", "err", err)
		return false
	}
	return true
}

// documentInfoResponse is the body of GET /document-info.
type documentInfoResponse struct {
	Status   string `json:"status"`
	Document *struct {
		Title string `json:"title"`
	} `json:"document"`
	ChunkCount int `json:"chunk_count"`
}

// GetDocumentInfo fetches the loaded-document summary. The returned report is
// always Operational; callers combine it with CheckHealth.
func (c *Client) GetDocumentInfo(ctx context.Context) (domain.StatusReport, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.infoTimeout)
	defer cancel()

	var body documentInfoResponse
	err := c.getJSON(ctx, "document-info", "/document-info", &body)
	metrics.ObserveBackend("document_info", started, err)
	if err != nil {
		return domain.StatusReport{}, err
	}

	if body.Status == noDocumentStatus {
		return domain.StatusReport{Operational: true}, nil
	}
	report := domain.StatusReport{
		Operational: true,
		HasDocument: true,
		ChunkCount:  body.ChunkCount,
	}
	if body.Document != nil {
		report.DocumentTitle = body.Document.Title
	}
	return report, nil
}

// Report combines CheckHealth and GetDocumentInfo into one status report.
// An unhealthy backend yields a non-operational report and no error; a failed
// document lookup yields a non-operational report and the lookup error.
func Report(ctx context.Context, b domain.Backend) (domain.StatusReport, error) {
	if !b.CheckHealth(ctx) {
		return domain.StatusReport{}, nil
	}
	report, err := b.GetDocumentInfo(ctx)
	if err != nil {
		return domain.StatusReport{}, err
	}
	return report, nil
}

// Query submits text to POST /query/ with the configured approach. It either
// returns a complete result or an error wrapping ErrBackendUnavailable.
func (c *Client) Query(ctx context.Context, text string) (domain.BackendResult, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	payload, err := json.Marshal(domain.BackendQuery{Query: text, Approach: c.approach})
	if err != nil {
		return domain.BackendResult{}, fmt.Errorf("marshal query: %w", err)
	}

	resp, err := c.do(ctx, "query", http.MethodPost, "/query/", payload)
	if err != nil {
		metrics.ObserveBackend("query", started, err)
		return domain.BackendResult{}, err
	}
	defer resp.Body.Close()

	var result domain.BackendResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		err = fmt.Errorf("%w: query: decode response: %w", ErrBackendUnavailable, err)
		metrics.ObserveBackend("query", started, err)
		return domain.BackendResult{}, err
	}
	metrics.ObserveBackend("query", started, nil)

	if result.ProcessingTime < 0 {
		result.ProcessingTime = 0
	}
	c.logger.Debug("backend query answered",
		"duration", time.Since(started), "processing_time", result.ProcessingTime)
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %w", ErrBackendUnavailable, op, err)
	}
	return nil
}

// do performs one request and returns the response only for 2xx statuses.
// The caller must close the body.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, &StatusError{
			Op:   op,
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(snippet)),
		})
	}
	return resp, nil
}
