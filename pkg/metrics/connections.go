package metrics

// Rejection reasons reported through ServerMetrics.RecordConnectionRejected.
const (
	RejectOverloaded   = "overloaded"
	RejectRateLimited  = "rate_limited"
	RejectAuthFailed   = "auth_failed"
	RejectDispatchFail = "dispatch_error"
)

// ServerMetrics provides observability for the accept loop and the dispatch
// strategies of an RPC server.
//
// Implementations can collect metrics about connection lifecycle, admission
// control, worker failures and child-process reaping. This interface is
// optional - if not provided to the server, a no-op implementation is used.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewServerMetrics()
//	srv, err := server.New(cfg, svc, server.WithMetrics(m))
//
//	// Without metrics (no-op)
//	srv, err := server.New(cfg, svc)
type ServerMetrics interface {
	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionRejected counts a connection that was closed without
	// being served.
	//
	// Parameters:
	//   - reason: one of the Reject* constants
	RecordConnectionRejected(reason string)

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed()

	// SetActiveConnections updates the current tracked connection count.
	SetActiveConnections(count int32)

	// RecordHandlerFailure counts a failed gate or session run.
	//
	// Parameters:
	//   - strategy: dispatch strategy name ("threaded", "pooled", "forking")
	RecordHandlerFailure(strategy string)

	// SetQueueDepth updates the number of connections waiting for a pool worker.
	SetQueueDepth(depth int)

	// RecordChildrenReaped adds n reaped child processes.
	RecordChildrenReaped(n int)

	// RecordRegistration records one registry call.
	//
	// Parameters:
	//   - op: "register" or "unregister"
	//   - err: Error if the call failed, nil if successful
	RecordRegistration(op string, err error)
}

// NewNoopServerMetrics returns a ServerMetrics that records nothing.
func NewNoopServerMetrics() ServerMetrics {
	return noopServerMetrics{}
}

// noopServerMetrics is a no-op implementation of ServerMetrics with zero overhead.
type noopServerMetrics struct{}

func (noopServerMetrics) RecordConnectionAccepted()               {}
func (noopServerMetrics) RecordConnectionRejected(reason string)  {}
func (noopServerMetrics) RecordConnectionClosed()                 {}
func (noopServerMetrics) SetActiveConnections(count int32)        {}
func (noopServerMetrics) RecordHandlerFailure(strategy string)    {}
func (noopServerMetrics) SetQueueDepth(depth int)                 {}
func (noopServerMetrics) RecordChildrenReaped(n int)              {}
func (noopServerMetrics) RecordRegistration(op string, err error) {}
