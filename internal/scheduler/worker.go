package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"taskbell/internal/eventbus"
	logx "taskbell/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan run) {
	for {
		// a canceled context wins over queued work
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case r := <-queue:
			s.execOne(ctx, r)
		}
	}
}

func (s *Service) execOne(ctx context.Context, r run) {
	start := time.Now()
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: JobEvent{ID: r.id, Name: r.name, Started: start}})

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	opt := r.opt.withDefaults(cfg)
	maxAttempts := 1 + max(opt.RetryMax, 0)

	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, r)
		if err == nil || attempt == maxAttempts {
			break
		}
		delay := backoffDelay(opt, attempt)
		s.log.Debug("job retry scheduled", logx.String("job", r.name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
		case <-tmr.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	if r.held {
		r.state.release()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: r.id, Name: r.name, Started: start, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: r.id, Name: r.name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed", logx.String("job", r.name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: EventFailed, Time: time.Now(), Data: ev})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("job completed", logx.String("job", r.name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("job completed", logx.String("job", r.name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.bus.Publish(eventbus.Event{Type: EventFinished, Time: time.Now(), Data: ev})
	}

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 100
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// runAttempt applies the per-attempt timeout so a timed-out first attempt
// doesn't poison the retries.
func (s *Service) runAttempt(ctx context.Context, r run) (err error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("job panicked", logx.String("job", r.name), logx.Any("panic", p))
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.job(runCtx)
}

func backoffDelay(opt JobOptions, retry int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	if j := opt.RetryJitter; j > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*j))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
