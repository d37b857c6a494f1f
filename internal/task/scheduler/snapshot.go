package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	loc := s.loc
	c := s.c
	now := time.Now()
	items := make([]TriggerInfo, 0, len(s.defs))
	for _, d := range s.defs {
		spec, _ := cronSpec(d.freq, d.at)
		it := TriggerInfo{JobID: d.jobID, Name: d.name, Spec: spec, Paused: d.paused}
		if d.paused {
			it.Next = d.resumeAt
		} else {
			it.Next = d.sched.Next(now)
		}
		if c != nil && d.entryID != 0 {
			it.Prev = c.Entry(d.entryID).Prev
		}
		items = append(items, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Next.Equal(items[j].Next) {
			if items[i].Next.IsZero() || items[j].Next.IsZero() {
				return !items[i].Next.IsZero()
			}
			return items[i].Next.Before(items[j].Next)
		}
		return items[i].JobID < items[j].JobID
	})

	snap := Snapshot{
		Enabled:  enabled,
		Running:  c != nil,
		Timezone: loc.String(),
		Triggers: items,
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
