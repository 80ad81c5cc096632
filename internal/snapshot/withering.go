package snapshot

import (
	"forest/internal/config"
	"forest/internal/hta"
	"forest/internal/logging"
)

// ApplyIdleTick advances the withering level by one heartbeat's worth of
// decay: each in-progress task adds the current path's idle coefficient, and
// each open goal adds GoalFactor of that. The level is clamped at 1.0.
//
// Withering is a pressure signal only; no task or goal is ever removed by
// decay. Returns the new level.
func (s *Snapshot) ApplyIdleTick(cfg *config.Config) float64 {
	if s.Tree == nil {
		return s.WitheringLevel
	}
	coeff := cfg.IdleCoeff(string(s.CurrentPath))

	activeTasks := s.Tree.LeafCount(hta.StatusInProgress)
	openGoals := 0
	if s.Tree.Root != nil && s.Tree.Root.Status != hta.StatusCompleted {
		openGoals = 1
	}

	delta := float64(activeTasks)*coeff + float64(openGoals)*coeff*cfg.Withering.GoalFactor
	if delta == 0 {
		return s.WitheringLevel
	}
	s.WitheringLevel = clamp(s.WitheringLevel+delta, 0, 1)
	logging.SessionDebug("withering idle tick: +%.3f -> %.3f (tasks=%d goals=%d path=%s)",
		delta, s.WitheringLevel, activeTasks, openGoals, s.CurrentPath)
	return s.WitheringLevel
}

// ApplyCompletionRelief subtracts the completion relief constant from the
// withering level, floored at 0.0. Returns the new level.
func (s *Snapshot) ApplyCompletionRelief(cfg *config.Config) float64 {
	s.WitheringLevel = clamp(s.WitheringLevel-cfg.Withering.CompletionRelief, 0, 1)
	return s.WitheringLevel
}
