package server

import "sync"

// Threaded serves every connection on its own goroutine.
//
// There is no admission control: the number of concurrent connections is
// bounded only by OS limits and, if configured, the accept rate limiter.
type Threaded struct {
	r  Runner
	wg sync.WaitGroup
}

// NewThreaded creates a goroutine-per-connection strategy.
func NewThreaded() *Threaded {
	return &Threaded{}
}

func (t *Threaded) Name() string { return "threaded" }

func (t *Threaded) Start(r Runner) error {
	t.r = r
	return nil
}

func (t *Threaded) Dispatch(c *ClientConn) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.r.Handle(c); err != nil {
			t.r.Logger().Error("connection failed: %v", err)
		}
	}()
	return nil
}

// Stop does not wait for running connections; Close has already forced
// their sockets down. Drain blocks until they return.
func (t *Threaded) Stop() {}

// Wait blocks until every dispatched connection has returned.
func (t *Threaded) Wait() {
	t.wg.Wait()
}
