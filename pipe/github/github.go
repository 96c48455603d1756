// Package github reports a run summary as a pull request comment. The
// comment is created once and updated on later runs of the same pull
// request, found by a hidden marker.
package github

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

	"github.com/perfgo/testpipe/config"
	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe"
	"github.com/rs/zerolog"
)

// Name is the registry name of the GitHub pipe.
const Name = "github"

// Marker identifies the comment owned by this pipe.
const Marker = "<!-- testpipe-report -->"

const (
	apiVersion     = "2022-11-28"
	defaultTimeout = 30 * time.Second
	// Failed tests listed in the comment; the rest is only counted.
	maxListedFailures = 20
)

// APIError is a non-2xx response of the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

type comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// Pipe collects the records of a run and publishes one summary comment
// when the run finishes.
type Pipe struct {
	logger zerolog.Logger
	client *http.Client
	store  *pipe.Store
	cfg    config.GitHubConfig
	owner  string
	repo   string

	mu  sync.Mutex
	agg model.Aggregate
}

// Factory builds the GitHub pipe for a pipe.Registry.
func Factory(params pipe.Params, store *pipe.Store) (pipe.Pipe, error) {
	return New(params.Logger, params.Config.GitHub, params.HTTPClient, store), nil
}

// New creates the pipe. It is disabled unless a token, an owner/repo
// repository and a pull request number are configured.
func New(logger zerolog.Logger, cfg config.GitHubConfig, client *http.Client, store *pipe.Store) *Pipe {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if store == nil {
		store = pipe.NewStore()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	p := &Pipe{
		logger: logger.With().Str("pipe", Name).Logger(),
		client: client,
		store:  store,
		cfg:    cfg,
	}
	p.owner, p.repo, _ = strings.Cut(cfg.Repository, "/")
	return p
}

func (p *Pipe) Name() string { return Name }

func (p *Pipe) Enabled() bool {
	return p.cfg.Token != "" && p.owner != "" && p.repo != "" && p.cfg.PRNumber > 0
}

func (p *Pipe) CreateRun(ctx context.Context) error {
	return nil
}

func (p *Pipe) AddTest(ctx context.Context, record model.TestRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agg.Add(record)
	return nil
}

// FinishRun creates or updates the summary comment and publishes its URL.
func (p *Pipe) FinishRun(ctx context.Context, params model.RunParams) error {
	p.mu.Lock()
	body := p.render(params)
	p.mu.Unlock()

	existing, err := p.findComment(ctx)
	if err != nil {
		return err
	}

	var c comment
	if existing != nil {
		path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", p.owner, p.repo, existing.ID)
		if err := p.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, &c); err != nil {
			return fmt.Errorf("failed to update comment %d: %w", existing.ID, err)
		}
	} else {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", p.owner, p.repo, p.cfg.PRNumber)
		if err := p.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &c); err != nil {
			return fmt.Errorf("failed to create comment on #%d: %w", p.cfg.PRNumber, err)
		}
	}

	if c.HTMLURL != "" {
		p.store.Set(pipe.KeyPullRequestURL, c.HTMLURL)
	}
	p.logger.Debug().Int64("comment", c.ID).Bool("updated", existing != nil).Msg("Published pull request summary")
	return nil
}

// findComment returns the comment carrying Marker, if any. Only the first
// page of 100 comments is searched.
func (p *Pipe) findComment(ctx context.Context) (*comment, error) {
	var comments []comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", p.owner, p.repo, p.cfg.PRNumber)
	if err := p.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, fmt.Errorf("failed to list comments of #%d: %w", p.cfg.PRNumber, err)
	}
	for i := range comments {
		if strings.Contains(comments[i].Body, Marker) {
			return &comments[i], nil
		}
	}
	return nil, nil
}

func (p *Pipe) render(params model.RunParams) string {
	counts := p.agg.Counts()

	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n")

	status := string(params.Status)
	if status == "" {
		status = string(model.RunStatusFinished)
	}
	fmt.Fprintf(&b, "Test run %s: %d tests, %d passed, %d failed, %d skipped\n",
		status, counts.Total(), counts.Passed, counts.Failed, counts.Skipped)
	if url := p.store.String(pipe.KeyRunURL); url != "" {
		fmt.Fprintf(&b, "\nFull report: %s\n", url)
	}

	var failed []model.TestRecord
	for _, r := range p.agg.Records() {
		if r.Status == model.StatusFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return b.String()
	}

	b.WriteString("\nFailed tests:\n")
	for i, r := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "- and %d more\n", len(failed)-maxListedFailures)
			break
		}
		title := r.Title
		if r.SuiteTitle != "" {
			title = r.SuiteTitle + " > " + title
		}
		fmt.Fprintf(&b, "- %s", title)
		if msg, _, _ := strings.Cut(r.Error, "\n"); msg != "" {
			fmt.Fprintf(&b, ": %s", msg)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (p *Pipe) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
