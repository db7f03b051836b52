package scheduler

import (
	"time"

	"cronbot/internal/cronexpr"
	"cronbot/internal/jobs"
)

// Snapshot lists the last loaded job table with next runs in the display
// timezone, queue state and the last observed outcome.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	out := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        s.sup != nil,
		Timezone:       loc.String(),
		TickInterval:   tickInterval(cfg),
		LastTick:       s.lastTick,
		LastTickErr:    s.lastTickErr,
		LastDispatched: s.lastDispatched,
		Ticks:          s.ticks,
	}
	outcomes := make(map[string]jobs.Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	out.Queue = s.queue.Snapshot()

	var list []jobs.Job
	if p := s.view.Load(); p != nil {
		list = *p
	}
	now := s.deps.Clock.Now()
	out.Jobs = make([]JobInfo, 0, len(list))
	for _, j := range list {
		info := JobInfo{
			ID:       j.ID,
			Name:     j.Name,
			Kind:     j.Kind,
			Status:   j.Status,
			Schedule: j.Schedule,
			Error:    j.ErrorMessage,
			Queue:    s.queue.JobState(j.ID),
		}
		if j.LastRun != nil {
			info.LastRun = j.LastRun.In(loc)
		}
		info.LastOutcome = outcomes[j.ID]
		if j.Status.Schedulable() {
			if next, err := cronexpr.NextRun(j.Schedule, maxTime(now, s.baseline(j)), loc); err == nil {
				info.NextRun = next
			}
		}
		out.Jobs = append(out.Jobs, info)
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
