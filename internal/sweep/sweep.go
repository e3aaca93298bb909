// Package sweep runs one tick of the bottom-up trixel aggregation
// algorithm: every active (trixel, type) privatizer is processed once
// per tick, deepest level first, since a parent's Process call reads
// its children's already-published values. Within a level, privatizers
// are independent of each other and are processed concurrently through
// a bounded worker pool, with a hard barrier between levels: a parent
// must never run before all of its children have.
package sweep

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/TillFleisch/TrixelManagementService/internal/privatizer"
)

// Task is one (trixel, type) privatizer due for processing this tick.
type Task struct {
	Level     int
	Processor Processor
}

// Processor is the subset of *privatizer.Privatizer the sweep needs,
// keeping the engine decoupled from the concrete privatizer type.
type Processor interface {
	Process(ctx context.Context) privatizer.TrixelUpdateResult
}

// Config bounds the sweep's concurrency.
type Config struct {
	// Workers caps the number of privatizers processed concurrently
	// within a single level. Zero means unbounded (one goroutine per
	// task in that level).
	Workers int
}

// Engine runs bottom-up ticks over a changing set of tasks.
type Engine struct {
	cfg Config
}

// New constructs a sweep Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run groups tasks by level and processes each level's tasks
// concurrently, deepest level first, with a barrier between levels. It
// returns every TrixelUpdate produced, and stops early (returning
// whatever finished) if ctx is cancelled between levels.
func (e *Engine) Run(ctx context.Context, tasks []Task) []privatizer.TrixelUpdateResult {
	results := make([]privatizer.TrixelUpdateResult, 0, len(tasks))
	e.RunWithLevelCallback(ctx, tasks, func(_ int, levelResults []privatizer.TrixelUpdateResult) {
		results = append(results, levelResults...)
	})
	return results
}

// RunWithLevelCallback is Run, but invokes onLevel after each level's
// barrier completes, before moving to the next shallower level. The
// manager uses this to persist a level's observations before the next
// shallower level runs, so that level sees up-to-date descendant state.
func (e *Engine) RunWithLevelCallback(ctx context.Context, tasks []Task, onLevel func(level int, results []privatizer.TrixelUpdateResult)) {
	byLevel := make(map[int][]Processor)
	for _, t := range tasks {
		byLevel[t.Level] = append(byLevel[t.Level], t.Processor)
	}

	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	for _, lvl := range levels {
		select {
		case <-ctx.Done():
			return
		default:
		}
		onLevel(lvl, e.runLevel(ctx, byLevel[lvl]))
	}
}

// runLevel processes every privatizer at one level concurrently, bounded
// by cfg.Workers via errgroup.Group.SetLimit, and waits for all of them
// before returning, the barrier that keeps a parent from running before
// its children have. Each task writes to its own pre-assigned slot, so
// no additional locking is needed to collect results.
func (e *Engine) runLevel(ctx context.Context, processors []Processor) []privatizer.TrixelUpdateResult {
	results := make([]privatizer.TrixelUpdateResult, len(processors))

	var g errgroup.Group
	if e.cfg.Workers > 0 {
		g.SetLimit(e.cfg.Workers)
	}

	launched := 0
	for i, proc := range processors {
		select {
		case <-ctx.Done():
			goto done
		default:
		}
		i, proc := i, proc
		launched = i + 1
		g.Go(func() error {
			results[i] = proc.Process(ctx)
			return nil
		})
	}

done:
	_ = g.Wait()
	return results[:launched]
}
