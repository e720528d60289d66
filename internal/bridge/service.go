// Package bridge assembles the worker supervisor, dispatcher, progress
// channel and command journal into one owned Service. Create one per
// process and pass it to whatever needs to issue commands.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sparkvisionsa/valuetech-bridge/internal/commands"
	"github.com/sparkvisionsa/valuetech-bridge/internal/config"
	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/events"
	"github.com/sparkvisionsa/valuetech-bridge/internal/journal"
	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/resolve"
	"github.com/sparkvisionsa/valuetech-bridge/internal/worker"
)

// Service is the bridge instance.
type Service struct {
	Auth    *commands.AuthClient
	Reports *commands.ReportClient
	Control *commands.ControlClient

	cfg        *config.Config
	logger     *slog.Logger
	supervisor *worker.Supervisor
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	indicator  *events.Indicator
	journal    *journal.Journal

	unwatch func()
}

type options struct {
	resolver worker.Resolver
}

// Option customizes New.
type Option func(*options)

// WithResolver replaces the layout-based executable resolution.
func WithResolver(r worker.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// New builds a Service from cfg. No worker is started until the first command.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		o.resolver = resolve.FromLayout(Layout(cfg.Worker.Layout))
	}

	s := &Service{
		cfg:    cfg,
		logger: log.WithComponent("bridge"),
		hub:    events.NewHub(cfg.Progress.Buffer),
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithProgress(s.hub),
		dispatch.WithStopAction(cfg.Worker.StopAction),
	}
	for _, st := range cfg.Worker.SuccessStatuses {
		dispatchOpts = append(dispatchOpts, dispatch.WithSuccessStatuses(protocol.Status(st)))
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		if n, err := j.Prune(ctx, cfg.Journal.Retention); err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned journal", "deleted", n)
		}
		s.journal = j
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(j))
	}

	s.supervisor = worker.NewSupervisor(o.resolver, WorkerConfig(cfg.Worker))
	s.dispatcher = dispatch.New(s.supervisor, dispatchOpts...)

	s.indicator = events.NewIndicator(cfg.Progress.Grace, nil)
	s.unwatch = s.hub.Subscribe(s.indicator.Observe)

	// The Service satisfies commands.Sender, so these cannot fail.
	s.Auth, _ = commands.NewAuthClient(s)
	s.Reports, _ = commands.NewReportClient(s)
	s.Control, _ = commands.NewControlClient(s)

	return s, nil
}

// Layout converts the configured layout for resolution.
func Layout(l config.LayoutConfig) resolve.Layout {
	return resolve.Layout{
		InstallRoot:         l.InstallRoot,
		ResourceRoot:        l.ResourceRoot,
		PackagedPath:        l.PackagedPath,
		ScanDir:             l.ScanDir,
		Executable:          l.Executable,
		EmbeddedInterpreter: l.EmbeddedInterpreter,
		Script:              l.Script,
		SystemInterpreters:  l.SystemInterpreters,
	}
}

// WorkerConfig converts the configured worker settings for the supervisor.
func WorkerConfig(w config.WorkerConfig) worker.Config {
	return worker.Config{
		Args:            w.Args,
		Env:             w.Env,
		Dir:             w.Dir,
		ReadyMode:       worker.ReadyMode(w.ReadyMode),
		ReadyTimeout:    w.ReadyTimeout,
		GracefulTimeout: w.GracefulTimeout,
		KillGrace:       w.KillGrace,
		DrainTimeout:    w.DrainTimeout,
		Checksum:        w.Checksum,
		MaxLine:         w.MaxLineBytes,
	}
}

// Send implements commands.Sender.
func (s *Service) Send(ctx context.Context, action string, fields map[string]any) (*protocol.Response, error) {
	return s.dispatcher.Send(ctx, action, fields)
}

// Submit implements commands.Sender.
func (s *Service) Submit(ctx context.Context, action string, fields map[string]any) *dispatch.Outcome {
	return s.dispatcher.Submit(ctx, action, fields)
}

// SubscribeToProgress registers fn for every progress event and returns the
// unsubscribe func.
func (s *Service) SubscribeToProgress(fn func(events.Event)) func() {
	return s.hub.Subscribe(fn)
}

// SubscribeChan streams progress events.
func (s *Service) SubscribeChan() (<-chan events.Event, func()) {
	return s.hub.SubscribeChan()
}

// SnapshotSince replays buffered progress events.
func (s *Service) SnapshotSince(lastID int64) []events.Event {
	return s.hub.SnapshotSince(lastID)
}

// Current is what a progress display should show right now.
func (s *Service) Current() events.IndicatorState {
	return s.indicator.State()
}

// WorkerStatus reports the supervisor state.
func (s *Service) WorkerStatus() worker.Status {
	return s.supervisor.Status()
}

// Pending lists outstanding command ids.
func (s *Service) Pending() []int64 {
	return s.dispatcher.Pending()
}

// Journal returns the command journal, or nil when disabled.
func (s *Service) Journal() *journal.Journal {
	return s.journal
}

// StopWorker stops the live worker and fails every outstanding command. The
// next command starts a fresh worker.
func (s *Service) StopWorker(ctx context.Context) error {
	return s.dispatcher.Shutdown(ctx)
}

// Shutdown stops the worker and releases everything the Service owns.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	s.unwatch()
	s.indicator.Stop()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
