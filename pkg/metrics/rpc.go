package metrics

import "time"

// RPCMetrics provides observability for JSON-RPC sessions.
type RPCMetrics interface {
	// RecordCall records a completed call with its method name, duration
	// and outcome.
	RecordCall(method string, duration time.Duration, err error)

	// RecordCallStart increments the in-flight call counter.
	RecordCallStart(method string)

	// RecordCallEnd decrements the in-flight call counter.
	RecordCallEnd(method string)

	// RecordSessionOpened increments the session counter.
	RecordSessionOpened()

	// RecordSessionClosed increments the closed session counter.
	RecordSessionClosed()
}

// NewNoopRPCMetrics returns an RPCMetrics that records nothing.
func NewNoopRPCMetrics() RPCMetrics {
	return noopRPCMetrics{}
}

type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordCall(method string, duration time.Duration, err error) {}
func (noopRPCMetrics) RecordCallStart(method string)                                {}
func (noopRPCMetrics) RecordCallEnd(method string)                                  {}
func (noopRPCMetrics) RecordSessionOpened()                                         {}
func (noopRPCMetrics) RecordSessionClosed()                                         {}
