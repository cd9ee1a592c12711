package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/clawgate/internal/sessionkey"
)

func (s *Service) runReaper(ctx context.Context) {
	if s.cfg.SessionRetention <= 0 || s.deps.Sessions == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep deletes cron run sessions last updated before the retention window
// and returns how many were removed. Other sessions are never touched.
func (s *Service) Sweep() int {
	if s.cfg.SessionRetention <= 0 || s.deps.Sessions == nil {
		return 0
	}
	cutoff := s.deps.Now().Add(-s.cfg.SessionRetention)
	removed := 0
	for _, info := range s.deps.Sessions.List() {
		if !sessionkey.IsCronRun(info.Key) {
			continue
		}
		ts := info.UpdatedAt
		if ts.IsZero() {
			ts = info.CreatedAt
		}
		if ts.IsZero() || !ts.Before(cutoff) {
			continue
		}
		if s.deps.Sessions.Delete(info.Key) {
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Cron run sessions pruned", "removed", removed, "retention", s.cfg.SessionRetention)
	}
	return removed
}
