package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/perfgo/testpipe/model"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Failure is one pipe call that returned an error or panicked.
type Failure struct {
	Pipe string
	Err  error
}

// Set fans lifecycle events out to a group of pipes. Each pipe is called
// concurrently and failures stay isolated to the pipe that produced them.
type Set struct {
	logger zerolog.Logger
	pipes  []Pipe
}

// NewSet builds a Set from the enabled pipes. Disabled and nil pipes are
// dropped here so lifecycle calls never have to check again.
func NewSet(logger zerolog.Logger, pipes ...Pipe) *Set {
	s := &Set{logger: logger.With().Str("component", "pipes").Logger()}
	for _, p := range pipes {
		if p == nil || !p.Enabled() {
			continue
		}
		s.pipes = append(s.pipes, p)
	}
	return s
}

// Pipes returns the enabled pipes.
func (s *Set) Pipes() []Pipe {
	return s.pipes
}

// Names returns the names of the enabled pipes.
func (s *Set) Names() []string {
	names := make([]string, len(s.pipes))
	for i, p := range s.pipes {
		names[i] = p.Name()
	}
	return names
}

// CreateRun calls CreateRun on every pipe.
func (s *Set) CreateRun(ctx context.Context) []Failure {
	return s.each(ctx, "createRun", func(ctx context.Context, p Pipe) error {
		return p.CreateRun(ctx)
	})
}

// AddTest hands record to every pipe and waits until all of them settled.
func (s *Set) AddTest(ctx context.Context, record model.TestRecord) []Failure {
	return s.each(ctx, "addTest", func(ctx context.Context, p Pipe) error {
		return p.AddTest(ctx, record)
	})
}

// FinishRun calls FinishRun on every pipe.
func (s *Set) FinishRun(ctx context.Context, params model.RunParams) []Failure {
	return s.each(ctx, "finishRun", func(ctx context.Context, p Pipe) error {
		return p.FinishRun(ctx, params)
	})
}

func (s *Set) each(ctx context.Context, op string, call func(context.Context, Pipe) error) []Failure {
	var (
		mu       sync.Mutex
		failures []Failure
	)

	// errgroup.Group without a derived context: one failing pipe must not
	// cancel its siblings.
	var g errgroup.Group
	for _, p := range s.pipes {
		g.Go(func() error {
			if err := safeCall(ctx, p, call); err != nil {
				s.logger.Error().Err(err).Str("pipe", p.Name()).Str("op", op).Msg("Pipe call failed")
				mu.Lock()
				failures = append(failures, Failure{Pipe: p.Name(), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func safeCall(ctx context.Context, p Pipe, call func(context.Context, Pipe) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipe %s panicked: %v", p.Name(), r)
		}
	}()
	return call(ctx, p)
}
