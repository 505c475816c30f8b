package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbell/internal/eventbus"
	logx "taskbell/pkg/logx"
)

// AddSchedule parses schedule and registers the job under name, replacing any
// previous job with the same name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job JobFunc) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, JobOptions{}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt JobOptions, job JobFunc) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	return s.add(name, ps.CronSpec(), timeout, opt, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job JobFunc) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, JobOptions{}, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, opt JobOptions, job JobFunc) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := def{
		id:      fmt.Sprintf("job:%d", s.seq.Add(1)),
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		opt:     opt.withDefaults(s.cfg),
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// armed on Start
		return d.id, nil
	}
	if err := s.armLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return d.id, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return d.id, nil
}

// Remove unschedules the job with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger enqueues an immediate run of a registered job. It honours the
// overlap policy and reports whether a run was enqueued.
func (s *Service) Trigger(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return false
	}
	for i := range s.defs {
		if s.defs[i].name == name {
			return s.fire(&s.defs[i], s.queue)
		}
	}
	return false
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) armLocked(d *def) error {
	q := s.queue
	cp := *d
	eid, err := s.c.AddFunc(d.spec, func() { s.fire(&cp, q) })
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fire applies the overlap policy and enqueues one run without blocking.
func (s *Service) fire(d *def, q chan run) bool {
	r := run{id: d.id, name: d.name, timeout: d.timeout, job: d.job, opt: d.opt, state: d.state}
	if d.opt.Overlap == OverlapSkipIfRunning {
		if !d.state.tryAcquire() {
			s.log.Debug("schedule skipped (previous run still running)", logx.String("job", d.name))
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: EventSkipped, Time: now, Data: JobEvent{ID: d.id, Name: d.name, Started: now, Error: "overlap_skip"}})
			return false
		}
		r.held = true
	}
	select {
	case q <- r:
		return true
	default:
		if r.held {
			d.state.release()
		}
		s.dropped.Add(1)
		s.log.Warn("scheduler queue full; dropping run", logx.String("job", d.name), logx.Int("queue_cap", cap(q)))
		return false
	}
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
