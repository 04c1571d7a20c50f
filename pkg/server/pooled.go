package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Pooled serves connections on a fixed set of long-lived workers.
//
// Dispatch never blocks: a connection is queued if the queue has room and
// rejected with ErrOverloaded otherwise. Each worker takes one connection at
// a time, so a single worker serves its connections strictly in order.
//
// A failed connection (including a recovered panic) is logged, the worker
// pauses for WorkerFailureBackoff and then continues, so the pool keeps its
// size across any number of failures.
//
// Thread safety:
// Dispatch is called by the single accept loop; workers are the consumers.
type Pooled struct {
	size  int
	queue chan *ClientConn
	r     Runner

	// pollInterval bounds each queue wait so idle workers notice shutdown
	pollInterval time.Duration

	// failureBackoff produces the pause after a failed connection
	failureBackoff func() backoff.BackOff

	live     atomic.Int32
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// PooledOption customizes a Pooled strategy.
type PooledOption func(*Pooled)

// WithQueueSize sets the number of connections that may wait for a worker.
// The default equals the pool size. 0 admits a connection only when a
// worker is idle and waiting for one.
func WithQueueSize(n int) PooledOption {
	return func(p *Pooled) {
		if n >= 0 {
			p.queue = make(chan *ClientConn, n)
		}
	}
}

// NewPooled creates a pool of size workers. size <= 0 uses DefaultPoolSize.
func NewPooled(size int, opts ...PooledOption) *Pooled {
	if size <= 0 {
		size = DefaultPoolSize
	}

	p := &Pooled{
		size:         size,
		queue:        make(chan *ClientConn, size),
		pollInterval: WorkerPollInterval,
		failureBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(WorkerFailureBackoff)
		},
		quit: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pooled) Name() string { return "pooled" }

// Start launches the workers.
func (p *Pooled) Start(r Runner) error {
	p.r = r
	r.Logger().Debug("starting %d pool workers (queue capacity %d)", p.size, cap(p.queue))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		p.live.Add(1)
		go p.worker(i)
	}
	return nil
}

// Dispatch queues c for the next free worker.
//
// Returns ErrOverloaded without blocking when the queue is full.
func (p *Pooled) Dispatch(c *ClientConn) error {
	select {
	case p.queue <- c:
		p.r.Metrics().SetQueueDepth(len(p.queue))
		return nil
	default:
		return fmt.Errorf("%w: all %d workers busy", ErrOverloaded, p.size)
	}
}

// Stop wakes idle workers so they exit without waiting out their poll.
// Queued connections were already released by Close.
func (p *Pooled) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

// Wait blocks until every worker has exited.
func (p *Pooled) Wait() {
	p.wg.Wait()
}

// Size returns the configured worker count.
func (p *Pooled) Size() int {
	return p.size
}

// Workers returns the number of running workers.
func (p *Pooled) Workers() int {
	return int(p.live.Load())
}

func (p *Pooled) worker(id int) {
	defer p.wg.Done()
	defer p.live.Add(-1)

	log := p.r.Logger()
	pause := p.failureBackoff()
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for p.r.Active() {
		timer.Reset(p.pollInterval)

		select {
		case c := <-p.queue:
			p.r.Metrics().SetQueueDepth(len(p.queue))
			// select picks at random when quit is ready too.
			if !p.r.Active() {
				c.Release()
				return
			}
			if err := p.serveOne(c); err != nil {
				log.Info("worker %d failed to serve client: %v", id, err)
				time.Sleep(pause.NextBackOff())
			}
		case <-timer.C:
		case <-p.quit:
			return
		}
	}
}

// serveOne runs one connection, turning a panic that escapes the Runner
// into an error so the worker survives it.
func (p *Pooled) serveOne(c *ClientConn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Release()
			err = &HandlerError{Peer: c.Peer(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.r.Handle(c)
}
