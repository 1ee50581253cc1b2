package pipeline

import "sync"

// tracker counts observations handed to the worker pool that have not been
// resolved yet, including those waiting on a retry timer. The queue is closed
// once the producer has finished and nothing is outstanding.
type tracker struct {
	mu          sync.Mutex
	outstanding int
	producing   bool
	closed      bool
	onIdle      func()
}

func newTracker(onIdle func()) *tracker {
	return &tracker{producing: true, onIdle: onIdle}
}

func (t *tracker) add() {
	t.mu.Lock()
	t.outstanding++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding--
	t.maybeIdle()
}

func (t *tracker) finishProducing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producing = false
	t.maybeIdle()
}

func (t *tracker) maybeIdle() {
	if t.closed || t.producing || t.outstanding > 0 {
		return
	}
	t.closed = true
	t.onIdle()
}
