// Package pipe defines the contract every reporting destination
// implements and the fan-out that delivers one event to all of them.
package pipe

import (
	"context"
	"strings"
	"sync"

	"github.com/perfgo/testpipe/model"
)

// Pipe is one destination for run lifecycle events.
//
// Enabled is decided once at construction from the available
// credentials. A disabled pipe must treat every lifecycle call as a
// no-op; the Set skips it anyway.
type Pipe interface {
	Name() string
	Enabled() bool
	CreateRun(ctx context.Context) error
	AddTest(ctx context.Context, record model.TestRecord) error
	FinishRun(ctx context.Context, params model.RunParams) error
}

// Well known Store keys.
const (
	KeyRunID           = "run_id"
	KeyRunURL          = "run_url"
	KeyArtifactStorage = "artifact_storage"
	KeyPullRequestURL  = "pr_url"
	KeyCSVFile         = "csv_file"
)

// StorageCredentials are blob storage credentials handed out by a
// destination after a run was created.
type StorageCredentials struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	PublicURL       string `json:"public_url,omitempty"`
}

// Store is a map shared by all pipes of a run. Pipes publish values
// other pipes or the dispatch client may read, such as the URL of the
// run on the remote backend. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{values: map[string]any{}}
}

// Set stores v under key.
func (s *Store) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the string stored under key, or "".
func (s *Store) String(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Links returns every *_url value in the store, keyed by store key.
func (s *Store) Links() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := map[string]string{}
	for k, v := range s.values {
		if str, ok := v.(string); ok && str != "" && strings.HasSuffix(k, "_url") {
			links[k] = str
		}
	}
	return links
}

// Funcs adapts plain functions to the Pipe interface. Nil functions are
// no-ops. It is always enabled.
type Funcs struct {
	PipeName    string
	OnCreateRun func(ctx context.Context) error
	OnAddTest   func(ctx context.Context, record model.TestRecord) error
	OnFinishRun func(ctx context.Context, params model.RunParams) error
}

func (f *Funcs) Name() string  { return f.PipeName }
func (f *Funcs) Enabled() bool { return true }

func (f *Funcs) CreateRun(ctx context.Context) error {
	if f.OnCreateRun == nil {
		return nil
	}
	return f.OnCreateRun(ctx)
}

func (f *Funcs) AddTest(ctx context.Context, record model.TestRecord) error {
	if f.OnAddTest == nil {
		return nil
	}
	return f.OnAddTest(ctx, record)
}

func (f *Funcs) FinishRun(ctx context.Context, params model.RunParams) error {
	if f.OnFinishRun == nil {
		return nil
	}
	return f.OnFinishRun(ctx, params)
}
