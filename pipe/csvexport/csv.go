// Package csvexport writes the results of a run to a CSV file.
package csvexport

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe"
	"github.com/rs/zerolog"
)

// Name is the registry name of the CSV pipe.
const Name = "csv"

// Header is the first row of every exported file.
var Header = []string{"rid", "suite", "title", "test_id", "status", "time_ms", "error", "message", "tags", "artifacts"}

// Pipe collects records and writes them to path when the run finishes.
type Pipe struct {
	logger zerolog.Logger
	store  *pipe.Store
	path   string

	mu  sync.Mutex
	agg model.Aggregate
}

// Factory builds the CSV pipe for a pipe.Registry.
func Factory(params pipe.Params, store *pipe.Store) (pipe.Pipe, error) {
	return New(params.Logger, params.Config.CSVFile, store), nil
}

// New creates the pipe. It is disabled when path is empty.
func New(logger zerolog.Logger, path string, store *pipe.Store) *Pipe {
	if store == nil {
		store = pipe.NewStore()
	}
	return &Pipe{
		logger: logger.With().Str("pipe", Name).Logger(),
		store:  store,
		path:   path,
	}
}

func (p *Pipe) Name() string  { return Name }
func (p *Pipe) Enabled() bool { return p.path != "" }

func (p *Pipe) CreateRun(ctx context.Context) error {
	return nil
}

func (p *Pipe) AddTest(ctx context.Context, record model.TestRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agg.Add(record)
	return nil
}

// FinishRun writes every aggregated record, one row each, replacing any
// previous file.
func (p *Pipe) FinishRun(ctx context.Context, params model.RunParams) error {
	p.mu.Lock()
	records := append([]model.TestRecord(nil), p.agg.Records()...)
	p.mu.Unlock()

	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range records {
		if err := w.Write(row(r)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close csv file: %w", err)
	}

	if abs, err := filepath.Abs(p.path); err == nil {
		p.store.Set(pipe.KeyCSVFile, abs)
	}
	p.logger.Info().Str("file", p.path).Int("tests", len(records)).Msg("Wrote CSV report")
	return nil
}

func row(r model.TestRecord) []string {
	var duration string
	if r.Time != 0 {
		duration = strconv.FormatFloat(r.Time, 'f', -1, 64)
	}
	return []string{
		r.RID,
		r.SuiteTitle,
		r.Title,
		r.TestID,
		string(r.Status),
		duration,
		r.Error,
		r.Message,
		strings.Join(r.Tags, " "),
		strings.Join(r.Artifacts, " "),
	}
}
