package api

import (
	"net/http"
	"time"

	"scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/task/scheduler"
)

// Status is the diagnostics view of the running daemon.
type Status struct {
	Scheduler  scheduler.Snapshot
	Goroutines supervisor.Counters
}

type triggerView struct {
	JobID  string     `json:"job_id"`
	Name   string     `json:"name"`
	Spec   string     `json:"spec"`
	Paused bool       `json:"paused"`
	Next   *time.Time `json:"next,omitempty"`
	Prev   *time.Time `json:"prev,omitempty"`
}

type runView struct {
	Name       string    `json:"name"`
	Key        string    `json:"key"`
	Started    time.Time `json:"started"`
	QueueDelay float64   `json:"queue_delay"`
	Duration   float64   `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

type engineView struct {
	Workers  int       `json:"workers"`
	QueueLen int       `json:"queue_len"`
	QueueCap int       `json:"queue_cap"`
	InFlight int       `json:"in_flight"`
	Dropped  uint64    `json:"dropped"`
	History  []runView `json:"history"`

	Goroutines supervisor.Counters `json:"goroutines"`
}

type statusView struct {
	Scheduler struct {
		Enabled  bool          `json:"enabled"`
		Running  bool          `json:"running"`
		Timezone string        `json:"timezone"`
		Triggers []triggerView `json:"triggers"`
	} `json:"scheduler"`
	Engine     engineView          `json:"engine"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

func newStatusView(st Status) statusView {
	var v statusView
	snap := st.Scheduler
	v.Scheduler.Enabled = snap.Enabled
	v.Scheduler.Running = snap.Running
	v.Scheduler.Timezone = snap.Timezone
	v.Scheduler.Triggers = make([]triggerView, 0, len(snap.Triggers))
	for _, t := range snap.Triggers {
		v.Scheduler.Triggers = append(v.Scheduler.Triggers, triggerView{
			JobID:  t.JobID,
			Name:   t.Name,
			Spec:   t.Spec,
			Paused: t.Paused,
			Next:   nonZero(t.Next),
			Prev:   nonZero(t.Prev),
		})
	}

	eng := snap.Engine
	v.Engine = engineView{
		Workers:  eng.Workers,
		QueueLen: eng.QueueLen,
		QueueCap: eng.QueueCap,
		InFlight: eng.InFlight,
		Dropped:  eng.Dropped,
		History:  make([]runView, 0, len(eng.History)),

		Goroutines: eng.Goroutines,
	}
	for _, it := range eng.History {
		v.Engine.History = append(v.Engine.History, runView{
			Name:       it.Name,
			Key:        it.Key,
			Started:    it.Started,
			QueueDelay: it.QueueDelay.Seconds(),
			Duration:   it.Duration.Seconds(),
			Error:      it.Error,
		})
	}
	v.Goroutines = st.Goroutines
	return v
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No such endpoint")
		return
	}
	writeData(w, http.StatusOK, newStatusView(h.status()))
}
