package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived component that runs until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context) error

// Run calls f.
func (f RunFunc) Run(ctx context.Context) error { return f(ctx) }

// Supervisor runs processors, dispatchers and housekeeping loops together.
// If any of them fails the others are cancelled.
type Supervisor struct {
	runners []named
}

type named struct {
	name string
	r    Runner
}

// Add registers r under name.
func (s *Supervisor) Add(name string, r Runner) {
	s.runners = append(s.runners, named{name: name, r: r})
}

// Len returns the number of registered runners.
func (s *Supervisor) Len() int { return len(s.runners) }

// Run blocks until ctx is cancelled and every runner returned, or one of
// them failed. It returns the first failure.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.runners {
		n := n
		g.Go(func() error {
			if err := n.r.Run(gctx); err != nil {
				log.Error().Err(err).Str("runner", n.name).Msg("runner failed")
				return fmt.Errorf("%s: %w", n.name, err)
			}
			return nil
		})
	}
	log.Info().Int("runners", len(s.runners)).Msg("supervisor started")
	err := g.Wait()
	log.Info().Msg("supervisor stopped")
	return err
}
