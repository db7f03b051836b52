package scheduler

import (
	"time"

	"cronbot/internal/jobs"
	"cronbot/internal/task/queue"
	"cronbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueue(j jobs.Job, trigger time.Time, res queue.EnqueueResult) {
	fields := []logx.Field{
		logx.String("job_id", j.ID),
		logx.String("name", j.Name),
		logx.Time("trigger", trigger),
		logx.String("result", res.String()),
	}
	switch res {
	case queue.Started:
		s.log.Debug("job dispatched", fields...)
		return
	case queue.Queued, queue.Coalesced:
		// Overlap with a slow run is normal operation.
		s.log.Info("job dispatched behind a running execution", fields...)
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[j.ID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[j.ID] = now
	s.enqMu.Unlock()

	s.log.Warn("job could not be dispatched", fields...)
}
