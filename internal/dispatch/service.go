package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"tgblast/internal/channel"
	"tgblast/internal/metrics"
	"tgblast/internal/ratelimit"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// Pool is the bounded set of concurrent senders shared by every running job.
//
// A worker suspends on the rate limiter and on the network send while holding
// nothing; the connection lease is taken only for the single ledger write and
// released immediately.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	sender  channel.Sender
	limiter *ratelimit.Limiter
	ledger  store.Store
	leases  *store.Leases
	met     *metrics.Metrics
	log     logx.Logger

	queue  chan work
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when workers
	// fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, sender channel.Sender, limiter *ratelimit.Limiter, ledger store.Store, leases *store.Leases, met *metrics.Metrics, log logx.Logger) *Pool {
	if met == nil {
		met = metrics.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		sender:  sender,
		limiter: limiter,
		ledger:  ledger,
		leases:  leases,
		met:     met,
		log:     log,
	}
}

// Apply retunes retry knobs at runtime. Worker count changes take effect on
// the next Start.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Pool) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		p.mu.Lock()
		if p.stopCh == nil {
			break
		}
		done := p.stopDone
		if done == nil {
			// already running
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.queue = make(chan work, p.cfg.QueueSize)

	workers := p.cfg.Workers
	queue := p.queue
	stopCh := p.stopCh
	runCtx := p.runCtx

	p.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			p.worker(runCtx, stopCh, queue, idx)
		}()
	}

	p.log.Info("dispatch pool started", logx.Int("workers", workers), logx.Int("queue", p.cfg.QueueSize))
}

func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	stopCh := p.stopCh
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		p.workerWG.Wait()
		p.mu.Lock()
		p.stopCh = nil
		p.runCtx = nil
		p.queue = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
		p.log.Info("dispatch pool stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Process drives every item of the batch to a terminal, deferred, or skipped
// state and reports the tally. It blocks until the batch settles, the pool
// stops, or ctx is cancelled.
func (p *Pool) Process(ctx context.Context, req BatchRequest) (BatchResult, error) {
	p.mu.Lock()
	queue := p.queue
	stopCh := p.stopCh
	p.mu.Unlock()
	if queue == nil || stopCh == nil {
		return BatchResult{}, ErrNotReady
	}

	tr := newTracker(len(req.Items), req.Interrupted)

	enqueued := true
	for i, it := range req.Items {
		w := work{jobID: req.JobID, payload: req.Payload, item: it, tr: tr}
		select {
		case queue <- w:
		case <-stopCh:
			for range req.Items[i:] {
				tr.finishSkipped()
			}
			enqueued = false
		case <-ctx.Done():
			for range req.Items[i:] {
				tr.finishSkipped()
			}
			enqueued = false
		}
		if !enqueued {
			break
		}
	}

	select {
	case <-tr.done():
		return tr.result(), nil
	case <-stopCh:
		return tr.result(), ErrStopped
	case <-ctx.Done():
		return tr.result(), ctx.Err()
	}
}
