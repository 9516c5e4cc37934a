package training

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-detr/distributed"
)

// prefetchPerWorker bounds how many loaded batches may wait for the consumer.
const prefetchPerWorker = 2

// DataLoader provides batching and parallel sample loading. Batches are planned
// by a BatchSampler and delivered in plan order.
type DataLoader struct {
	dataset      Dataset
	batchSampler *distributed.BatchSampler
	numWorkers   int
}

// NewDataLoader creates a loader. numWorkers == 0 loads on the calling goroutine.
func NewDataLoader(dataset Dataset, batchSampler *distributed.BatchSampler, numWorkers int) *DataLoader {
	if numWorkers < 0 {
		numWorkers = 0
	}
	return &DataLoader{
		dataset:      dataset,
		batchSampler: batchSampler,
		numWorkers:   numWorkers,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return dl.batchSampler.Len()
}

// Sampler returns the index sampler, the handle passed to SynchronizeEpoch.
func (dl *DataLoader) Sampler() distributed.Sampler {
	return dl.batchSampler.Sampler()
}

// Iterate loads every batch of the epoch and calls fn with them in order on the
// calling goroutine. Up to numWorkers batches load concurrently. The first error
// from a load or from fn cancels the remaining work and is returned.
func (dl *DataLoader) Iterate(ctx context.Context, fn func(step int, b Batch) error) error {
	plan := dl.batchSampler.Batches()

	if dl.numWorkers == 0 {
		for step, indices := range plan {
			b, err := dl.load(ctx, indices)
			if err != nil {
				return fmt.Errorf("failed to load batch %d: %w", step, err)
			}
			if err := fn(step, b); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]chan Batch, len(plan))
	for i := range slots {
		slots[i] = make(chan Batch, 1)
	}
	window := make(chan struct{}, dl.numWorkers*prefetchPerWorker)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	done := make(chan error, 1)
	go func() {
		for step, indices := range plan {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				done <- g.Wait()
				return
			}
			g.Go(func() error {
				b, err := dl.load(gctx, indices)
				if err != nil {
					return fmt.Errorf("failed to load batch %d: %w", step, err)
				}
				slots[step] <- b
				return nil
			})
		}
		done <- g.Wait()
	}()

	for step := range slots {
		var b Batch
		select {
		case b = <-slots[step]:
		case <-gctx.Done():
			cancel()
			if err := <-done; err != nil {
				return err
			}
			return gctx.Err()
		}
		<-window
		if err := fn(step, b); err != nil {
			cancel()
			<-done
			return err
		}
	}
	return <-done
}

func (dl *DataLoader) load(ctx context.Context, indices []int) (Batch, error) {
	b := Batch{
		Images:  make([]any, 0, len(indices)),
		Targets: make([]Target, 0, len(indices)),
	}
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		s, err := dl.dataset.Get(ctx, idx)
		if err != nil {
			return Batch{}, fmt.Errorf("sample %d: %w", idx, err)
		}
		b.Images = append(b.Images, s.Image)
		b.Targets = append(b.Targets, s.Target)
	}
	return b, nil
}
