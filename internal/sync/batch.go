package sync

import (
	"context"
	"runtime"
	"time"
)

// Tuning controls batch sizing, pacing and stuck detection. Zero values are
// replaced by the defaults, so a partially configured Tuning is usable.
type Tuning struct {
	BaseBatch       int           // records per write batch
	LargeBatch      int           // batch size at LargeThreshold
	HugeBatch       int           // batch size at HugeThreshold
	LargeThreshold  int           // token volume where larger batches kick in
	HugeThreshold   int
	BasePause       time.Duration // sleep between batches
	LargePause      time.Duration // sleep at and above LargeThreshold
	StuckAfter      time.Duration // silence before a job is considered stuck
	CategorizeBatch int           // apps per categorization batch
}

func DefaultTuning() Tuning {
	return Tuning{
		BaseBatch:       500,
		LargeBatch:      1000,
		HugeBatch:       2000,
		LargeThreshold:  10_000,
		HugeThreshold:   50_000,
		BasePause:       100 * time.Millisecond,
		LargePause:      50 * time.Millisecond,
		StuckAfter:      2 * time.Minute,
		CategorizeBatch: 10,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.BaseBatch <= 0 {
		t.BaseBatch = d.BaseBatch
	}
	if t.LargeBatch <= 0 {
		t.LargeBatch = d.LargeBatch
	}
	if t.HugeBatch <= 0 {
		t.HugeBatch = d.HugeBatch
	}
	if t.LargeThreshold <= 0 {
		t.LargeThreshold = d.LargeThreshold
	}
	if t.HugeThreshold <= 0 {
		t.HugeThreshold = d.HugeThreshold
	}
	if t.BasePause <= 0 {
		t.BasePause = d.BasePause
	}
	if t.LargePause <= 0 {
		t.LargePause = d.LargePause
	}
	if t.StuckAfter <= 0 {
		t.StuckAfter = d.StuckAfter
	}
	if t.CategorizeBatch <= 0 {
		t.CategorizeBatch = d.CategorizeBatch
	}
	return t
}

// batchSize picks the write batch size for a run processing total records.
// Bigger tenants get bigger batches: the fixed per-batch costs (pacing sleep,
// progress write) would otherwise dominate.
func (t Tuning) batchSize(total int) int {
	switch {
	case total >= t.HugeThreshold:
		return t.HugeBatch
	case total >= t.LargeThreshold:
		return t.LargeBatch
	default:
		return t.BaseBatch
	}
}

func (t Tuning) pause(total int) time.Duration {
	if total >= t.LargeThreshold {
		return t.LargePause
	}
	return t.BasePause
}

// interpolate maps done/total onto the [lo, hi] progress range.
func interpolate(lo, hi, done, total int) int {
	if total <= 0 || done >= total {
		return hi
	}
	return lo + (hi-lo)*done/total
}

// forEachBatch runs fn over items in tuning-sized batches, pacing between
// batches and reporting interpolated progress after each one. Sizing and
// pacing follow volume, the run's total record count, which may exceed
// len(items) when many records collapsed into one item. Large runs get a GC
// hint between batches to cap the resident set while the aggregator's maps
// are still live.
func forEachBatch[T any](ctx context.Context, t Tuning, items []T, volume, lo, hi int,
	report func(progress, done, total int) error, fn func(batch []T) error) error {
	total := len(items)
	size := t.batchSize(volume)
	pause := t.pause(volume)

	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size
		if end > total {
			end = total
		}
		if err := fn(items[start:end]); err != nil {
			return err
		}
		if report != nil {
			if err := report(interpolate(lo, hi, end, total), end, total); err != nil {
				return err
			}
		}
		if end < total {
			if volume >= t.LargeThreshold {
				runtime.GC()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return nil
}
