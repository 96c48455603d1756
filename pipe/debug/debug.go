// Package debug records every lifecycle call of a run as one JSON line,
// so a run can be inspected or replayed against other pipes later.
package debug

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe"
	"github.com/rs/zerolog"
)

// Name is the registry name of the debug pipe.
const Name = "debug"

// Actions written to the log.
const (
	ActionCreateRun = "createRun"
	ActionAddTest   = "addTest"
	ActionFinishRun = "finishRun"
)

// maxLine bounds a single log line when reading.
const maxLine = 64 * 1024 * 1024

// Entry is one line of the debug log.
type Entry struct {
	// Unix milliseconds
	T      int64           `json:"t"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Time returns when the entry was written.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.T)
}

// Record decodes the data of an addTest entry.
func (e Entry) Record() (model.TestRecord, error) {
	var r model.TestRecord
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return r, fmt.Errorf("failed to decode test record: %w", err)
	}
	return r, nil
}

// Params decodes the data of a finishRun entry.
func (e Entry) Params() (model.RunParams, error) {
	var p model.RunParams
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("failed to decode run params: %w", err)
	}
	return p, nil
}

// Pipe appends lifecycle calls to a file.
type Pipe struct {
	logger zerolog.Logger
	path   string
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
}

// Factory builds the debug pipe for a pipe.Registry.
func Factory(params pipe.Params, store *pipe.Store) (pipe.Pipe, error) {
	return New(params.Logger, params.Config.DebugFile), nil
}

// New creates the pipe. It is disabled when path is empty. The file is
// opened on first use and appended to.
func New(logger zerolog.Logger, path string) *Pipe {
	return &Pipe{
		logger: logger.With().Str("pipe", Name).Logger(),
		path:   path,
		now:    time.Now,
	}
}

func (p *Pipe) Name() string  { return Name }
func (p *Pipe) Enabled() bool { return p.path != "" }

func (p *Pipe) CreateRun(ctx context.Context) error {
	return p.write(ActionCreateRun, struct{}{})
}

func (p *Pipe) AddTest(ctx context.Context, record model.TestRecord) error {
	return p.write(ActionAddTest, record)
}

func (p *Pipe) FinishRun(ctx context.Context, params model.RunParams) error {
	err := p.write(ActionFinishRun, params)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		if cerr := p.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close debug log: %w", cerr)
		}
		p.file = nil
	}
	if err == nil {
		p.logger.Info().Str("file", p.path).Msg("Wrote debug log")
	}
	return err
}

func (p *Pipe) write(action string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", action, err)
	}
	line, err := json.Marshal(Entry{T: p.now().UnixMilli(), Action: action, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", action, err)
	}
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		if dir := filepath.Dir(p.path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open debug log: %w", err)
		}
		p.file = f
	}
	if _, err := p.file.Write(line); err != nil {
		return fmt.Errorf("failed to write debug log: %w", err)
	}
	return nil
}

// ReadFile parses a debug log. Malformed lines are logged and skipped.
func ReadFile(logger zerolog.Logger, path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Action == "" {
			logger.Warn().Err(err).Str("file", path).Int("line", lineNo).Msg("Skipping malformed debug log line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read debug log: %w", err)
	}
	return entries, nil
}
