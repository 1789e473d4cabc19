package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/yanun0323/logs"

	"orderkeeper/pkg/exception"
)

// Enqueue schedules key for driving without blocking.
func (c *Coordinator) Enqueue(key string) error {
	if c.closed.Load() {
		return exception.ErrCoordinatorClosed
	}
	select {
	case c.queue <- key:
		return nil
	default:
		c.metrics.IncQueueDrop()
		return exception.ErrQueueFull
	}
}

// EnqueueWait schedules key for driving, waiting for queue space.
func (c *Coordinator) EnqueueWait(ctx context.Context, key string) error {
	if c.closed.Load() {
		return exception.ErrCoordinatorClosed
	}
	select {
	case c.queue <- key:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives queued keys on the worker pool until ctx is done. A drive in
// flight when ctx ends is finished, including its save, before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return errors.New("coordinator already running")
	}

	var wg sync.WaitGroup
	for range c.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	logs.Infof("coordinator started, workers: %d, queue: %d", c.cfg.Workers, c.cfg.QueueSize)

	<-ctx.Done()
	c.closed.Store(true)
	wg.Wait()
	logs.Infof("coordinator stopped, undriven: %d", len(c.queue))
	return nil
}

func (c *Coordinator) worker(ctx context.Context) {
	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.queue:
			if _, err := c.Drive(drainCtx, key); err != nil {
				logs.Errorf("order %s: drive, err: %+v", key, err)
			}
		}
	}
}
