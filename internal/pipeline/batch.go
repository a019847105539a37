package pipeline

import (
	"context"
	"sync"
	"time"

	"slidepatch/internal/logger"
	"slidepatch/internal/patch"
)

// Batch processes many slides on a fixed pool of workers. A failing slide is
// recorded and the batch moves on.
type Batch struct {
	proc    *Processor
	workers int
	log     logger.Logger
}

// Summary holds one result per input path, in input order.
type Summary struct {
	Results   []*SlideResult
	Succeeded int
	Failed    int
	Duration  time.Duration
}

func NewBatch(proc *Processor, workers int, log logger.Logger) *Batch {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Batch{proc: proc, workers: workers, log: log}
}

// Run processes paths until done or ctx is cancelled. Slides not started
// before cancellation carry ctx.Err().
func (b *Batch) Run(ctx context.Context, paths []string) *Summary {
	start := time.Now()
	results := make([]*SlideResult, len(paths))

	b.log.Info("Batch", "batch started", map[string]interface{}{
		"slides":  len(paths),
		"workers": b.workers,
	})

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range jobs {
				res, err := b.proc.Process(ctx, paths[i])
				res.Err = err
				results[i] = res
				if err != nil {
					b.log.Error("Batch", err, map[string]interface{}{
						"slide":  res.SlideID,
						"worker": worker,
					})
				}
			}
		}(w)
	}

feed:
	for i := range paths {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	sum := &Summary{Results: results}
	for i, r := range results {
		if r == nil {
			results[i] = &SlideResult{Path: paths[i], SlideID: patch.SlideID(paths[i]), Err: ctx.Err()}
			r = results[i]
		}
		if r.Err != nil {
			sum.Failed++
		} else {
			sum.Succeeded++
		}
	}
	sum.Duration = time.Since(start)

	b.log.Info("Batch", "batch finished", map[string]interface{}{
		"succeeded":   sum.Succeeded,
		"failed":      sum.Failed,
		"duration_ms": sum.Duration.Milliseconds(),
	})

	return sum
}
