// Package cds talks to the asynchronous retrieval API: submit a request,
// poll the job, download the finished result.
package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmoslab/era-fetcher/internal/logging"
	"github.com/atmoslab/era-fetcher/internal/metrics"
	"github.com/atmoslab/era-fetcher/internal/plan"
)

// JobStatus is the remote lifecycle state of a submitted request.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobInfo describes what the remote side reports for a job.
type JobInfo struct {
	Status  JobStatus
	Message string
}

// DownloadInfo describes the payload a Fetch returns. Size and Checksum
// refer to the decoded payload; Gzip tells the sink to decompress the
// stream before verifying.
type DownloadInfo struct {
	Size     int64
	Checksum string
	Gzip     bool
}

// JobClient is the remote surface the orchestrator drives.
type JobClient interface {
	Submit(ctx context.Context, spec plan.ChunkSpec) (string, JobInfo, error)
	Poll(ctx context.Context, handle string) (JobInfo, error)
	Fetch(ctx context.Context, handle string) (io.ReadCloser, DownloadInfo, error)
}

// Options configures the HTTP client.
type Options struct {
	// BaseURL of the API, e.g. https://cds.climate.copernicus.eu/api.
	BaseURL string

	// Token sent as PRIVATE-TOKEN on every API request.
	Token string

	// Timeout for individual requests. Downloads stream past it through
	// the returned body, the timeout covers the headers only.
	// Default: 60s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// RateLimit caps API calls per second, 0 disables the limiter.
	// Default: 2
	RateLimit float64

	// RateBurst is the limiter burst size.
	// Default: 4
	RateBurst int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         60 * time.Second,
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
		RateLimit:       2,
		RateBurst:       4,
	}
}

// Client implements JobClient against the HTTP API.
type Client struct {
	hc      *http.Client
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger
}

// NewClient creates a client for the API at opts.BaseURL.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // We handle gzip payloads ourselves
	}

	return &Client{
		hc: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		limiter: limiter,
		opts:    opts,
		log:     logging.Component("cds"),
	}
}

type executeRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type jobResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type resultsResponse struct {
	Asset struct {
		Value struct {
			Href     string `json:"href"`
			Size     int64  `json:"file:size"`
			Checksum string `json:"file:checksum"`
			Type     string `json:"type"`
		} `json:"value"`
	} `json:"asset"`
}

// Submit posts the retrieval request for one chunk and returns the job
// handle plus the initial remote status.
func (c *Client) Submit(ctx context.Context, spec plan.ChunkSpec) (string, JobInfo, error) {
	payload, err := json.Marshal(executeRequest{Inputs: buildInputs(spec)})
	if err != nil {
		return "", JobInfo{}, fmt.Errorf("encoding request for chunk %s: %w", spec.ID, err)
	}

	url := fmt.Sprintf("%s/processes/%s/execution", c.opts.BaseURL, spec.Dataset)
	resp, err := c.do(ctx, "submit", func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodPost, url, bytes.NewReader(payload))
	})
	if err != nil {
		return "", JobInfo{}, err
	}
	if err := c.checkResponse("submit", resp); err != nil {
		return "", JobInfo{}, err
	}
	defer resp.Body.Close()

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", JobInfo{}, fmt.Errorf("submit: decoding response: %w", err)
	}
	if job.ID == "" {
		return "", JobInfo{}, &RemoteError{Op: "submit", Status: resp.StatusCode, Body: "response carries no job id", kind: ErrPersistent}
	}

	status, err := statusFromRemote(job.Status)
	if err != nil {
		return "", JobInfo{}, fmt.Errorf("submit: %w", err)
	}

	c.log.Debug("submitted retrieval request",
		"chunk_id", spec.ID,
		"dataset", spec.Dataset,
		"handle", job.ID,
		"status", string(status))
	return job.ID, JobInfo{Status: status, Message: job.Message}, nil
}

// Poll asks the remote side where a job stands. A 404 comes back as
// ErrJobNotFound, meaning the job or its results were evicted.
func (c *Client) Poll(ctx context.Context, handle string) (JobInfo, error) {
	var job jobResponse
	if err := c.getJSON(ctx, "poll", c.opts.BaseURL+"/jobs/"+handle, &job); err != nil {
		return JobInfo{}, err
	}

	status, err := statusFromRemote(job.Status)
	if err != nil {
		return JobInfo{}, fmt.Errorf("poll %s: %w", handle, err)
	}
	return JobInfo{Status: status, Message: job.Message}, nil
}

// Fetch resolves the result asset for a completed job and opens the
// download stream. The caller owns the returned body.
func (c *Client) Fetch(ctx context.Context, handle string) (io.ReadCloser, DownloadInfo, error) {
	var res resultsResponse
	if err := c.getJSON(ctx, "results", c.opts.BaseURL+"/jobs/"+handle+"/results", &res); err != nil {
		return nil, DownloadInfo{}, err
	}

	asset := res.Asset.Value
	if asset.Href == "" {
		return nil, DownloadInfo{}, &RemoteError{Op: "results", Status: http.StatusOK, Body: "results carry no asset href", kind: ErrPersistent}
	}

	// Asset links are presigned, no token. Advertise gzip so small text
	// payloads arrive compressed, the sink unpacks them.
	resp, err := c.do(ctx, "download", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Href, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Encoding", "gzip")
		return req, nil
	})
	if err != nil {
		return nil, DownloadInfo{}, err
	}
	if err := c.checkResponse("download", resp); err != nil {
		return nil, DownloadInfo{}, err
	}

	info := DownloadInfo{
		Size:     asset.Size,
		Checksum: asset.Checksum,
		Gzip:     resp.Header.Get("Content-Encoding") == "gzip",
	}
	c.log.Debug("opened result stream", "handle", handle, "size", info.Size, "gzip", info.Gzip)
	return resp.Body, info, nil
}

// buildInputs maps a chunk spec onto the retrieval request body.
func buildInputs(spec plan.ChunkSpec) map[string]any {
	inputs := map[string]any{
		"product_type": "reanalysis",
		"variable":     spec.Variables,
		"date":         fmt.Sprintf("%s/%s", spec.Start.Format("2006-01-02"), spec.End.Format("2006-01-02")),
		"time":         spec.Times,
		"area":         spec.Area.List(),
		"grid":         spec.Grid.List(),
		"data_format":  spec.Format,
	}
	if len(spec.Levels) > 0 {
		inputs["pressure_level"] = spec.Levels
	}
	return inputs
}

func statusFromRemote(s string) (JobStatus, error) {
	switch s {
	case "accepted", "queued":
		return JobQueued, nil
	case "running":
		return JobRunning, nil
	case "successful":
		return JobCompleted, nil
	case "failed", "dismissed":
		return JobFailed, nil
	default:
		return "", fmt.Errorf("%w: unexpected job status %q", ErrPersistent, s)
	}
}

// apiRequest builds a request against the API with the auth header set.
func (c *Client) apiRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.opts.Token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.opts.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do runs a request with retries. Network faults, 429 and 5xx responses
// are retried with backoff, anything else is returned to the caller for
// classification.
func (c *Client) do(ctx context.Context, op string, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying remote call", "op", op, "attempt", attempt, "error", lastErr)
			if m := metrics.Get(); m != nil {
				m.IncRetries(metrics.Labels{Operation: op})
			}
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &RemoteError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body)), kind: ErrTransient}
			continue
		}

		return resp, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	if !errors.Is(lastErr, ErrTransient) {
		lastErr = fmt.Errorf("%w: %v", ErrTransient, lastErr)
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", op, c.opts.RetryAttempts+1, lastErr)
}

// checkResponse classifies a non-2xx response the retry loop let through.
func (c *Client) checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return &RemoteError{
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
		kind:   classifyStatus(resp.StatusCode),
	}
}

func (c *Client) getJSON(ctx context.Context, op, url string, out any) error {
	resp, err := c.do(ctx, op, func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return err
	}
	if err := c.checkResponse(op, resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
