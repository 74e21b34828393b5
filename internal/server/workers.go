package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker is a named periodic job.
type Worker struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Workers runs a set of periodic jobs until their context is cancelled.
type Workers struct {
	wg sync.WaitGroup
}

// Start launches w in its own goroutine. The first run happens after one
// interval. A zero or negative interval disables the worker. Run receives a
// context whose logger carries a "worker" field.
func (ws *Workers) Start(ctx context.Context, w Worker) {
	if w.Interval <= 0 {
		return
	}
	log := zerolog.Ctx(ctx).With().Str("worker", w.Name).Logger()
	ctx = log.WithContext(ctx)
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Interval):
				w.Run(ctx)
			}
		}
	}()
}

// Wait blocks until every started worker has returned.
func (ws *Workers) Wait() {
	ws.wg.Wait()
}
