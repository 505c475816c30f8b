package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"taskbell/internal/eventbus"
	rtsup "taskbell/internal/runtime/supervisor"
	"taskbell/internal/storage"
	logx "taskbell/pkg/logx"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup + permission gating.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter
	dedup   *expirable.LRU[string, time.Time]

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	pmu   sync.Mutex
	perms map[string]Permission
	ask   singleflight.Group

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		store: store,
		sinks: sinks,
		perms: map[string]Permission{},
	}
	s.applyLocked(cfg)
	return s
}

// AddSink registers a sink. Sinks added after Start are used from the next
// notification on.
func (s *Service) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	running := s.queue != nil
	s.mu.Unlock()
	if running {
		s.warmPermission(sink)
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PermTimeout <= 0 {
		cfg.PermTimeout = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	prev := s.cfg
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if s.dedup == nil || prev.DedupWindow != cfg.DedupWindow || prev.DedupMaxEntries != cfg.DedupMaxEntries {
		if cfg.DedupWindow > 0 {
			s.dedup = expirable.NewLRU[string, time.Time](cfg.DedupMaxEntries, nil, cfg.DedupWindow)
		} else {
			s.dedup = nil
		}
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "notifier persist loop exited unexpectedly")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "notifier worker exited unexpectedly")
		})
	}
	for _, sink := range sinks {
		s.warmPermission(sink)
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(sinks)))
}

// exitErr maps a loop's clean return to the supervisor restart decision.
func (s *Service) exitErr(c context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
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
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues n for every sink. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	cache := s.dedup
	persist := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	now := time.Now()
	if cache != nil && window > 0 {
		if !s.dedupAllow(ctx, cache, key, now.Add(window), persist, st, pch) {
			s.publish(EventDeduped, "", n, key, nil)
			return nil
		}
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.publish(EventQueued, "", n, key, nil)
		return nil
	default:
		s.publish(EventDropped, "", n, key, ErrQueueFull)
		s.log.Warn("notification dropped", logx.String("task", n.TaskID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Permissions reports the cached permission of every sink.
func (s *Service) Permissions() map[string]Permission {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	out := make(map[string]Permission, len(s.perms))
	for k, v := range s.perms {
		out[k] = v
	}
	return out
}

// ResetPermission forgets the cached answer of a sink so the next
// notification asks again. Used when a sink's settings change at runtime.
func (s *Service) ResetPermission(name string) {
	s.pmu.Lock()
	delete(s.perms, name)
	s.pmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.queue != nil}
	if s.queue != nil {
		snap.Queued = len(s.queue)
	}
	if s.dedup != nil {
		snap.Dedup = s.dedup.Len()
	}
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	perms := s.Permissions()
	for _, sink := range sinks {
		snap.Sinks = append(snap.Sinks, SinkInfo{Name: sink.Name(), Permission: perms[sink.Name()].String()})
	}
	sort.Slice(snap.Sinks, func(i, j int) bool { return snap.Sinks[i].Name < snap.Sinks[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) appendHistory(sink, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// warmPermission asks the sink for permission in the background.
func (s *Service) warmPermission(sink Sink) {
	s.pmu.Lock()
	_, known := s.perms[sink.Name()]
	s.pmu.Unlock()
	if known {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.PermTimeout
	s.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.permission(ctx, sink)
	}()
}

// permission returns the cached answer or asks the sink. Concurrent asks
// for the same sink share one call.
func (s *Service) permission(ctx context.Context, sink Sink) Permission {
	name := sink.Name()
	s.pmu.Lock()
	p, ok := s.perms[name]
	s.pmu.Unlock()
	if ok && p != PermissionUnknown {
		return p
	}

	v, err, _ := s.ask.Do(name, func() (any, error) {
		s.pmu.Lock()
		cached, ok := s.perms[name]
		s.pmu.Unlock()
		if ok && cached != PermissionUnknown {
			return cached, nil
		}
		got, err := sink.Permission(ctx)
		if err != nil || got == PermissionUnknown {
			return got, err
		}
		s.pmu.Lock()
		s.perms[name] = got
		s.pmu.Unlock()
		s.log.Info("notification permission", logx.String("sink", name), logx.String("permission", got.String()))
		return got, nil
	})
	if err != nil {
		s.log.Debug("notification permission unknown", logx.String("sink", name), logx.Err(err))
		return PermissionUnknown
	}
	p, _ = v.(Permission)
	return p
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	permTimeout := s.cfg.PermTimeout
	s.mu.Unlock()

	for _, sink := range sinks {
		pctx, cancel := context.WithTimeout(ctx, permTimeout)
		p := s.permission(pctx, sink)
		cancel()
		if p != PermissionGranted {
			s.publish(EventSkipped, sink.Name(), j.n, j.dedupKey, nil)
			continue
		}
		s.sendWithRetry(ctx, sink, j)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, sink Sink, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := sink.Send(callCtx, j.n)
		cancel()
		if err == nil {
			s.appendHistory(sink.Name(), j.n.Text())
			s.publish(EventSent, sink.Name(), j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sink.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	if lastErr != nil {
		s.publish(EventFailed, sink.Name(), j.n, j.dedupKey, lastErr)
		s.log.Warn("notification failed", logx.String("sink", sink.Name()), logx.String("task", j.n.TaskID), logx.Err(lastErr))
	}
}

func (s *Service) publish(typ, sink string, n Notification, key string, err error) {
	now := time.Now()
	ev := NotificationEvent{Sink: sink, TaskID: n.TaskID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|", n.TaskID, n.Priority)
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, cache *expirable.LRU[string, time.Time], key string, until time.Time, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check; the LRU expires entries after the window.
	if _, ok := cache.Get(key); ok {
		return false
	}

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		prev, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(prev) {
			cache.Add(key, prev)
			return false
		}
	}

	// 3) Allow and open a new window.
	cache.Add(key, until)

	// 4) Persist the new suppress-until asynchronously (best-effort).
	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
