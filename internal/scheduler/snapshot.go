package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.running(),
		Timezone: s.cfg.Timezone,
		Workers:  s.cfg.Workers,
		Dropped:  s.dropped.Load(),
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	if s.loc != nil && snap.Timezone == "" {
		snap.Timezone = s.loc.String()
	}
	snap.Schedules = make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// NextRun reports when the named job fires next. It is zero when the job is
// unknown or the scheduler is stopped.
func (s *Service) NextRun(name string) time.Time {
	for _, it := range s.Snapshot().Schedules {
		if it.Name == name {
			return it.Next
		}
	}
	return time.Time{}
}
