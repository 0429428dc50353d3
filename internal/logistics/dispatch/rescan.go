package dispatch

import (
	"context"
	"time"
)

const rescanBatch = 50

// Run re-spawns searches for requests left open without a driver. It returns at once
// when the rescan interval is not positive.
func (s *Searcher) Run(ctx context.Context) {
	if s.cfg.RescanInterval <= 0 {
		return
	}
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Searcher) tick(ctx context.Context) int {
	now := s.now()
	due, err := s.Requests.ListDue(ctx, now, now.Add(-s.cfg.RescanInterval), rescanBatch)
	if err != nil {
		s.logger.Errorf("dispatch: list due failed: %v", err)
		return 0
	}
	for _, req := range due {
		s.Spawn(req.ID)
	}
	if len(due) > 0 {
		s.logger.Infof("dispatch: rescan spawned %d searches", len(due))
	}
	return len(due)
}
