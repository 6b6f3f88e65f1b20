package app

import (
	"sync/atomic"
	"time"
)

// ReloadState is what the UI polls to learn that it should reload.
type ReloadState struct {
	Generation int64 `json:"generation"`
	Pending    bool  `json:"pending"`
}

// ReloadSignal bumps a generation counter once a scheduled delay passes.
// The UI reloads whenever the generation it last saw changes.
type ReloadSignal struct {
	generation atomic.Int64
	pending    atomic.Int32
}

// ScheduleReload implements reconcile.Reloader.
func (s *ReloadSignal) ScheduleReload(delay time.Duration) {
	s.pending.Add(1)
	time.AfterFunc(delay, func() {
		s.generation.Add(1)
		s.pending.Add(-1)
	})
}

// State returns the current generation and whether a reload is scheduled.
func (s *ReloadSignal) State() ReloadState {
	return ReloadState{Generation: s.generation.Load(), Pending: s.pending.Load() > 0}
}
