package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classbell/internal/eventbus"
	"classbell/internal/subscription"
	logx "classbell/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Service owns the tick schedule and the per-chat crossing state.
//
// mu guards the cron lifecycle; cmu guards cfg. Ticks only take cmu, so a
// restart may wait for a running tick while holding mu.
//
// It is safe for concurrent use. Tick may be called directly (tests, manual
// runs); the cron job calls the same method.
type Service struct {
	mu sync.Mutex

	log        logx.Logger
	bus        eventbus.Bus
	subs       subscription.Store
	schedules  Schedules
	dispatcher Dispatcher
	renderer   Renderer
	now        func() time.Time

	cmu    sync.RWMutex
	cfg    Config
	parser cron.Parser

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	// prev holds the last observed time-left per chat, keyed by boundary.
	pmu  sync.Mutex
	prev map[int64]observation

	// inflight holds chats still being evaluated by an earlier tick.
	imu      sync.Mutex
	inflight map[int64]struct{}
}

type observation struct {
	boundary string
	left     time.Duration
}

type Option func(*Service)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRenderer replaces the default TextRenderer.
func WithRenderer(r Renderer) Option {
	return func(s *Service) {
		if r != nil {
			s.renderer = r
		}
	}
}

func New(cfg Config, subs subscription.Store, schedules Schedules, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:        log.With(logx.String("comp", "notifier")),
		bus:        bus,
		subs:       subs,
		schedules:  schedules,
		dispatcher: dispatcher,
		renderer:   TextRenderer{},
		now:        time.Now,
		cfg:        cfg.withDefaults(),
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		prev:       map[int64]observation{},
		inflight:   map[int64]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) config() Config {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return s.cfg
}

// ValidateSchedule reports whether spec is a valid tick schedule.
func (s *Service) ValidateSchedule(spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("notifier schedule %q: %w", spec, err)
	}
	return nil
}

// Apply swaps the runtime config. A running cron is rebuilt when the
// schedule, time zone or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := s.ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}
	s.cmu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return nil
	}
	if old.Schedule != cfg.Schedule || old.Location.String() != cfg.Location.String() || old.Enabled != cfg.Enabled {
		s.restartLocked()
	}
	return nil
}

// Start schedules ticks until Stop or ctx is done. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return nil
	}
	if err := s.ValidateSchedule(s.config().Schedule); err != nil {
		return err
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.restartLocked()
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	cfg := s.config()
	if !cfg.Enabled {
		s.log.Info("reminders disabled")
		return
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx := s.runCtx
	if _, err := c.AddFunc(cfg.Schedule, func() { s.Tick(runCtx) }); err != nil {
		s.log.Error("schedule rejected", logx.String("spec", cfg.Schedule), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("reminder schedule started",
		logx.String("spec", cfg.Schedule),
		logx.String("tz", cfg.Location.String()),
		logx.Int("workers", cfg.Workers),
	)
}

// Stop stops scheduling and waits for a running tick until ctx is done, then
// cancels it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
