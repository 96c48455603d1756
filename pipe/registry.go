package pipe

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/perfgo/testpipe/config"
	"github.com/rs/zerolog"
)

// Params are handed to every pipe factory.
type Params struct {
	Logger     zerolog.Logger
	Config     config.Config
	HTTPClient *http.Client
}

// Factory constructs a pipe. It should return a disabled pipe rather
// than an error when credentials are missing; an error is reserved for
// broken configuration.
type Factory func(params Params, store *Store) (Pipe, error)

// Registry maps pipe names to factories. Additional pipes are plain Go
// implementations of Pipe registered at startup and selected by name
// from configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named pipes in order. Unknown names and factories
// that fail or panic are logged and left out; they never abort the run.
func (r *Registry) Build(names []string, params Params, store *Store) []Pipe {
	var pipes []Pipe
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		r.mu.RLock()
		factory, ok := r.factories[name]
		r.mu.RUnlock()
		if !ok {
			params.Logger.Warn().Str("pipe", name).Strs("available", r.Names()).Msg("Unknown pipe, skipping")
			continue
		}

		p, err := construct(name, factory, params, store)
		if err != nil {
			params.Logger.Warn().Err(err).Str("pipe", name).Msg("Failed to construct pipe, skipping")
			continue
		}
		if p == nil {
			continue
		}
		params.Logger.Debug().Str("pipe", name).Bool("enabled", p.Enabled()).Msg("Constructed pipe")
		pipes = append(pipes, p)
	}
	return pipes
}

func construct(name string, factory Factory, params Params, store *Store) (p Pipe, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("pipe factory %s panicked: %v", name, r)
		}
	}()
	return factory(params, store)
}
