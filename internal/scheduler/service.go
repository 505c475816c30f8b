package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskbell/internal/eventbus"
	rtsup "taskbell/internal/runtime/supervisor"
	logx "taskbell/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []def

	queue chan run
	sup   *rtsup.Supervisor
	// stopDone is non-nil while a Stop() is in progress.
	stopDone chan struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) running() bool { return s.queue != nil && s.stopDone == nil }

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartCronLocked()
	}
	// worker count changes take effect on the next Start
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		done := s.stopDone
		if done == nil {
			break
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	qsize := s.cfg.QueueSize
	if qsize <= 0 {
		qsize = 64
	}
	// Fresh queue per run so runs enqueued before a stop never execute after it.
	s.queue = make(chan run, qsize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		s.armLocked(&s.defs[i])
	}

	q := s.queue
	for i := 0; i < workers; i++ {
		s.sup.Go0(fmt.Sprintf("scheduler.worker.%d", i), func(c context.Context) {
			s.worker(c, q)
		})
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("workers", workers), logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	c := s.c
	sup := s.sup
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// finishes in the background
	}
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		s.armLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}
