// Package remote delivers runs and test results to the testpipe
// reporting API over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perfgo/testpipe/config"
	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe"
	"github.com/rs/zerolog"
)

// Name is the registry name of the remote pipe.
const Name = "remote"

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	defaultInterval = time.Second
	// Response bodies beyond this are truncated in errors.
	maxErrorBody = 4096
)

var errNoRun = errors.New("remote run was not created")

// RemoteError is a non-2xx response of the reporting API.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *RemoteError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithRetry sets how often and how fast failed requests are repeated.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(p *Pipe) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.interval = interval
	}
}

// Pipe reports to the remote API. A run is created on CreateRun, tests
// are posted one by one or in batches, and the run status is set on
// FinishRun.
type Pipe struct {
	logger   zerolog.Logger
	client   *http.Client
	store    *pipe.Store
	baseURL  string
	apiKey   string
	title    string
	batch    bool
	size     int
	attempts int
	interval time.Duration

	mu      sync.Mutex
	runID   string
	pending []model.TestRecord
}

// Factory builds the remote pipe for a pipe.Registry.
func Factory(params pipe.Params, store *pipe.Store) (pipe.Pipe, error) {
	return New(params.Logger, params.Config.Reporter, params.HTTPClient, store), nil
}

// New creates the pipe. It is disabled when no API key is configured.
func New(logger zerolog.Logger, cfg config.ReporterConfig, client *http.Client, store *pipe.Store, opts ...Option) *Pipe {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if store == nil {
		store = pipe.NewStore()
	}
	p := &Pipe{
		logger:   logger.With().Str("pipe", Name).Logger(),
		client:   client,
		store:    store,
		baseURL:  cfg.URL,
		apiKey:   cfg.APIKey,
		title:    cfg.Title,
		batch:    !cfg.DisableBatch,
		size:     cfg.BatchSize,
		attempts: defaultAttempts,
		interval: defaultInterval,
		runID:    cfg.RunID,
	}
	if p.baseURL == "" {
		p.baseURL = config.DefaultReporterURL
	}
	if p.size <= 0 {
		p.size = config.DefaultBatchSize
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipe) Name() string  { return Name }
func (p *Pipe) Enabled() bool { return p.apiKey != "" }

type runRequest struct {
	APIKey   string           `json:"api_key"`
	Title    string           `json:"title,omitempty"`
	Status   string           `json:"status,omitempty"`
	Parallel bool             `json:"parallel,omitempty"`
	Tests    *model.RunCounts `json:"tests,omitempty"`
}

type runResponse struct {
	UID       string                   `json:"uid"`
	URL       string                   `json:"url"`
	Artifacts *pipe.StorageCredentials `json:"artifacts,omitempty"`
}

type testRequest struct {
	APIKey string `json:"api_key"`
	model.TestRecord
}

type batchRequest struct {
	APIKey string             `json:"api_key"`
	Tests  []model.TestRecord `json:"tests"`
}

// CreateRun creates the run, or re-opens it when a run id was configured,
// and publishes the run id, its URL and any artifact storage credentials.
func (p *Pipe) CreateRun(ctx context.Context) error {
	p.mu.Lock()
	runID := p.runID
	p.mu.Unlock()

	req := runRequest{APIKey: p.apiKey, Title: p.title}
	var resp runResponse
	if runID != "" {
		req.Status = "running"
		if err := p.call(ctx, http.MethodPut, "/api/reporter/"+url.PathEscape(runID), req, &resp); err != nil {
			return fmt.Errorf("failed to resume run %s: %w", runID, err)
		}
	} else {
		if err := p.call(ctx, http.MethodPost, "/api/reporter", req, &resp); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		if resp.UID == "" {
			return errors.New("failed to create run: response carries no run id")
		}
		runID = resp.UID
	}

	p.mu.Lock()
	p.runID = runID
	p.mu.Unlock()

	p.store.Set(pipe.KeyRunID, runID)
	if resp.URL != "" {
		p.store.Set(pipe.KeyRunURL, resp.URL)
	}
	if resp.Artifacts != nil && resp.Artifacts.Bucket != "" {
		p.store.Set(pipe.KeyArtifactStorage, *resp.Artifacts)
	}
	p.logger.Debug().Str("run_id", runID).Str("url", resp.URL).Msg("Remote run ready")
	return nil
}

// AddTest posts record, or queues it until a batch is full.
func (p *Pipe) AddTest(ctx context.Context, record model.TestRecord) error {
	p.mu.Lock()
	runID := p.runID
	if runID == "" {
		p.mu.Unlock()
		return errNoRun
	}
	if !p.batch {
		p.mu.Unlock()
		path := "/api/reporter/" + url.PathEscape(runID) + "/testrun"
		if err := p.call(ctx, http.MethodPost, path, testRequest{APIKey: p.apiKey, TestRecord: record}, nil); err != nil {
			return fmt.Errorf("failed to report test %q: %w", record.Title, err)
		}
		return nil
	}
	p.pending = append(p.pending, record)
	full := len(p.pending) >= p.size
	p.mu.Unlock()

	if full {
		return p.flush(ctx)
	}
	return nil
}

// flush sends every queued record in one request. Records of a failed
// batch are dropped; the error reports how many.
func (p *Pipe) flush(ctx context.Context) error {
	p.mu.Lock()
	tests := p.pending
	p.pending = nil
	runID := p.runID
	p.mu.Unlock()

	if len(tests) == 0 {
		return nil
	}
	path := "/api/reporter/" + url.PathEscape(runID) + "/testrun"
	if err := p.call(ctx, http.MethodPost, path, batchRequest{APIKey: p.apiKey, Tests: tests}, nil); err != nil {
		return fmt.Errorf("failed to report batch of %d tests: %w", len(tests), err)
	}
	p.logger.Debug().Int("tests", len(tests)).Msg("Flushed test batch")
	return nil
}

// FinishRun flushes pending records and sets the final run status.
func (p *Pipe) FinishRun(ctx context.Context, params model.RunParams) error {
	p.mu.Lock()
	runID := p.runID
	p.mu.Unlock()
	if runID == "" {
		return errNoRun
	}

	flushErr := p.flush(ctx)

	tests := params.Tests
	req := runRequest{
		APIKey:   p.apiKey,
		Status:   string(params.Status),
		Parallel: params.Parallel,
		Tests:    &tests,
	}
	if err := p.call(ctx, http.MethodPut, "/api/reporter/"+url.PathEscape(runID), req, nil); err != nil {
		return errors.Join(flushErr, fmt.Errorf("failed to finish run %s: %w", runID, err))
	}
	return flushErr
}

// call sends body as JSON and decodes the response into out, if given.
// Network errors, 5xx and 429 responses are retried.
func (p *Pipe) call(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	op := func() error {
		err := p.do(ctx, method, path, payload, out)
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) && !remoteErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug().Err(err).Str("path", path).Dur("wait", wait).Msg("Retrying remote request")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.attempts-1)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

func (p *Pipe) do(ctx context.Context, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
