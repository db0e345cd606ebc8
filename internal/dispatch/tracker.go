package dispatch

import "sync"

// tracker follows one batch until every item reaches a terminal, deferred,
// or skipped state. It also latches the first systemic error so the rest of
// the batch can be abandoned quickly.
type tracker struct {
	interrupted func() bool

	mu        sync.Mutex
	total     int
	remaining int
	terminal  int
	deferred  int
	skipped   int
	sysErr    error

	abortCh chan struct{}
	doneCh  chan struct{}
}

func newTracker(n int, interrupted func() bool) *tracker {
	if interrupted == nil {
		interrupted = func() bool { return false }
	}
	return &tracker{
		interrupted: interrupted,
		total:       n,
		remaining:   n,
		abortCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (t *tracker) done() <-chan struct{} { return t.doneCh }

// halted reports whether workers should stop attempting items of this batch.
func (t *tracker) halted() bool {
	select {
	case <-t.abortCh:
		return true
	default:
		return t.interrupted()
	}
}

func (t *tracker) finishTerminal() { t.finish(func() { t.terminal++ }) }
func (t *tracker) finishDeferred() { t.finish(func() { t.deferred++ }) }
func (t *tracker) finishSkipped()  { t.finish(func() { t.skipped++ }) }

func (t *tracker) abort(err error) {
	t.mu.Lock()
	if t.sysErr == nil {
		t.sysErr = err
		close(t.abortCh)
	}
	t.mu.Unlock()
	t.finishSkipped()
}

func (t *tracker) finish(count func()) {
	t.mu.Lock()
	count()
	t.remaining--
	last := t.remaining == 0
	t.mu.Unlock()
	if last {
		close(t.doneCh)
	}
}

func (t *tracker) result() BatchResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BatchResult{
		Total:    t.total,
		Terminal: t.terminal,
		Deferred: t.deferred,
		Skipped:  t.skipped,
		Systemic: t.sysErr,
	}
}
