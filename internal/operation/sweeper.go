package operation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the background sweep every 30 seconds
const DefaultSweepSchedule = "@every 30s"

// Sweeper periodically removes terminal operations from a Store. The
// opportunistic sweep in StartOperation only runs while top-level work keeps
// arriving; the sweeper covers idle periods.
type Sweeper struct {
	store     *Store
	cron      *cron.Cron
	olderThan time.Duration
	schedule  string
}

// NewSweeper creates a sweeper that removes operations older than olderThan
// on the given cron schedule (standard spec or descriptor such as "@every 1m").
func NewSweeper(store *Store, schedule string, olderThan time.Duration) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	sw := &Sweeper{
		store:     store,
		cron:      cron.New(),
		olderThan: olderThan,
		schedule:  schedule,
	}

	if _, err := sw.cron.AddFunc(schedule, sw.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

// Sweep runs one cleanup pass
func (sw *Sweeper) Sweep() {
	if removed := sw.store.CleanupCompletedOperations(sw.olderThan); removed > 0 {
		log.Printf("[operation] sweeper removed %d operations older than %s", removed, sw.olderThan)
	}
}

// Start begins running the schedule in the background
func (sw *Sweeper) Start() {
	log.Printf("[operation] sweeper started (schedule: %s, retention: %s)", sw.schedule, sw.olderThan)
	sw.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end
func (sw *Sweeper) Stop(ctx context.Context) error {
	done := sw.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
