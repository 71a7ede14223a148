// Package sweeper expires calls whose in-process timers were lost, for
// example across a restart.
package sweeper

import (
	"context"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/pkg/logging"
)

type activeCallLister interface {
	ListActiveCalls(ctx context.Context) ([]*booking.Call, error)
}

type expirer interface {
	ExpireIfDue(ctx context.Context, callID string) (bool, error)
}

// Sweeper periodically checks every non-terminal call against its ring,
// stall and hangup-grace deadlines.
type Sweeper struct {
	store    activeCallLister
	sessions expirer
	logger   *logging.Logger
	interval time.Duration
}

func New(store activeCallLister, sessions expirer, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:    store,
		sessions: sessions,
		logger:   logger,
		interval: 15 * time.Second,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires overdue calls and returns how many were expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	calls, err := s.store.ListActiveCalls(ctx)
	if err != nil {
		s.logger.Error("sweep list active calls failed", "error", err)
		return 0
	}
	expired := 0
	for _, c := range calls {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.sessions.ExpireIfDue(ctx, c.ID)
		if err != nil {
			s.logger.Warn("sweep expire failed", "call_id", c.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("sweep expired calls", "expired", expired, "active", len(calls))
	}
	return expired
}
