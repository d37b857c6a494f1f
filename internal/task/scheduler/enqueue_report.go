package scheduler

import (
	"errors"
	"time"

	"scriptsched/internal/task/engine"
	logx "scriptsched/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(jobID string, err error) {
	if err == nil {
		return
	}
	// The previous run of this job is still queued or running.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("trigger skipped: previous run still in flight", logx.String("job", jobID))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobID] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue run", logx.String("job", jobID), logx.Err(err))
}
