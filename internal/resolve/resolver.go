// Package resolve locates the worker executable across deployment layouts.
//
// Resolution is an ordered list of strategies. Each strategy reports either a
// Target or ErrNotFound; the Chain returns the first Target found. Any other
// error aborts the chain.
package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
)

// ErrNotFound is returned by a strategy that does not apply to this layout.
var ErrNotFound = errors.New("worker executable not found")

// Target is a resolved command line for the worker.
type Target struct {
	Strategy string
	Path     string   // executable to run
	Args     []string // leading arguments, e.g. the script for an interpreter
	Entry    string   // file whose checksum identifies the worker build
}

func (t Target) String() string {
	if len(t.Args) == 0 {
		return t.Path
	}
	return t.Path + " " + strings.Join(t.Args, " ")
}

// Strategy is one way of finding the worker.
type Strategy interface {
	Name() string
	Resolve() (Target, error)
}

// Chain tries strategies in order.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain returns a Chain over the given strategies.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		logger:     log.WithComponent("resolve"),
	}
}

// Strategies returns the strategy names in evaluation order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Resolve returns the first Target any strategy finds.
func (c *Chain) Resolve() (Target, error) {
	if len(c.strategies) == 0 {
		return Target{}, fmt.Errorf("no resolution strategies configured")
	}

	for _, s := range c.strategies {
		target, err := s.Resolve()
		if err == nil {
			if target.Strategy == "" {
				target.Strategy = s.Name()
			}
			if target.Entry == "" {
				target.Entry = target.Path
			}
			c.logger.Debug("worker executable resolved", "strategy", target.Strategy, "path", target.Path, "args", target.Args)
			return target, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Target{}, fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		c.logger.Debug("strategy did not match", "strategy", s.Name(), "reason", err.Error())
	}

	return Target{}, fmt.Errorf("%w (tried: %s)", ErrNotFound, strings.Join(c.Strategies(), ", "))
}
