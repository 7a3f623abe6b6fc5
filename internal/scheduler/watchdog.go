package scheduler

import (
	"context"
	"time"

	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/log"
)

// DefaultStaleThreshold is how long a running run may go without activity
// before the watchdog declares it hung
const DefaultStaleThreshold = 30 * time.Minute

// RunStore is the persistence surface the watchdog needs
type RunStore interface {
	ListStaleRuns(cutoff time.Time) ([]*domain.AutopilotRun, error)
	FinishRun(id string, status domain.RunStatus, itemsProcessed int, errMsg string) error
}

// Watchdog periodically fails running runs whose last activity is older
// than the stale threshold, so a crashed agent process does not leave its
// run open forever.
type Watchdog struct {
	store     RunStore
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewWatchdog creates a Watchdog checking at the given interval
func NewWatchdog(store RunStore, interval, threshold time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Watchdog{
		store:     store,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
}

// Run executes the watchdog loop until the context is cancelled. One pass
// runs immediately at startup to recover runs left over from a crash.
func (w *Watchdog) Run(ctx context.Context) error {
	w.Sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep fails every stale running run. Returns the number recovered.
func (w *Watchdog) Sweep() int {
	cutoff := w.now().Add(-w.threshold)
	stale, err := w.store.ListStaleRuns(cutoff)
	if err != nil {
		log.Warn("listing stale runs failed", "error", err)
		return 0
	}

	recovered := 0
	for _, run := range stale {
		idle := w.now().Sub(run.LastActivityAt).Round(time.Second)
		log.Warn("recovering stale run", "run", run.ID, "type", run.Type, "idle", idle)
		err := w.store.FinishRun(run.ID, domain.RunFailed, run.ItemsProcessed,
			"run abandoned: no activity for "+idle.String())
		if err != nil {
			log.Warn("failing stale run failed", "run", run.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered
}
