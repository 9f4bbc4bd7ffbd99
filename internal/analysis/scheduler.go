package analysis

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
)

const DefaultWorkers = 4

// Scheduler dispatches independent units to a bounded pool. Workers is the
// number of exclusive scoring contexts behind the backend, never the
// runtime's default parallelism; oversubscribing an accelerator-backed
// scorer collapses throughput.
type Scheduler struct {
	Workers     int
	UnitTimeout time.Duration
	Log         *logger.Logger
}

// Run executes unit(i) for 0 <= i < n and returns one error slot per unit,
// nil where the unit succeeded. Cancelling ctx stops pending units but the
// slots of units that already finished are kept. A panicking unit fills its
// slot instead of taking the pool down.
func (s *Scheduler) Run(ctx context.Context, n int, unit func(context.Context, int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	done := make([]bool, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			uctx := gctx
			if s.UnitTimeout > 0 {
				var cancel context.CancelFunc
				uctx, cancel = context.WithTimeout(gctx, s.UnitTimeout)
				defer cancel()
			}
			errs[i] = s.runUnit(uctx, i, unit)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i := range errs {
		if !done[i] {
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			errs[i] = faults.Wrap(faults.KindPartial, "analysis.unit", cause)
		}
	}
	return errs
}

func (s *Scheduler) runUnit(ctx context.Context, i int, unit func(context.Context, int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.Log != nil {
				s.Log.Error("analysis unit panic", "unit", i, "panic", r)
			}
			err = faults.Partial("analysis.unit", "unit %d panicked: %v", i, r)
		}
	}()
	err = unit(ctx, i)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = faults.Wrap(faults.KindResource, "analysis.timeout", fmt.Errorf("unit %d exceeded its budget: %w", i, err))
	}
	return err
}
