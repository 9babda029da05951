package render

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FrameInterval is one frame at 60 fps.
const FrameInterval = time.Second / 60

// FrameScheduler defers a DOM mutation to the next frame.
type FrameScheduler interface {
	RequestFrame(fn func())
}

// FrameLoop batches requested callbacks and runs them together once per
// frame, in request order.
type FrameLoop struct {
	clock clockwork.Clock

	mu    sync.Mutex
	queue []func()
}

func NewFrameLoop(clock clockwork.Clock) *FrameLoop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FrameLoop{clock: clock}
}

func (f *FrameLoop) RequestFrame(fn func()) {
	f.mu.Lock()
	f.queue = append(f.queue, fn)
	f.mu.Unlock()
}

// Run flushes queued callbacks every frame until ctx is cancelled.
func (f *FrameLoop) Run(ctx context.Context) {
	ticker := f.clock.NewTicker(FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			f.Flush()
		}
	}
}

// Flush runs every queued callback now.
func (f *FrameLoop) Flush() {
	f.mu.Lock()
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// Pending returns the number of callbacks waiting for the next frame.
func (f *FrameLoop) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
