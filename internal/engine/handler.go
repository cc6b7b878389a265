// Package engine drives FastCGI connections: it reassembles the params
// and stdin streams per request, runs the request lifecycle state
// machine, hands completed requests to the application handler, and
// routes handler output back into stdout/stderr records.
package engine

import "errors"

var (
	ErrRequestFinished = errors.New("engine: request already finished")
	ErrConnClosed      = errors.New("engine: connection closed")
)

// Handler is the application callback. ServeRequest runs in its own
// goroutine, once per request, after the params and stdin streams are
// complete. If it returns without calling Finish, the engine finishes
// the request with application status 0.
type Handler interface {
	ServeRequest(req *Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req *Request)

func (f HandlerFunc) ServeRequest(req *Request) {
	f(req)
}

// Limits bounds per-connection and per-worker concurrency. They are
// also the values reported to FCGI_GET_VALUES.
type Limits struct {
	// MaxConns is the number of transport connections the worker is
	// willing to hold open.
	MaxConns int

	// MaxRequestsPerConn is the number of concurrent requests served
	// over a single connection. 1 disables request multiplexing: a
	// second concurrent BeginRequest is refused with
	// FCGI_CANT_MPX_CONN.
	MaxRequestsPerConn int
}

// DefaultLimits matches the classic single-request-per-connection
// deployment shape.
func DefaultLimits() Limits {
	return Limits{
		MaxConns:           64,
		MaxRequestsPerConn: 1,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxConns <= 0 {
		l.MaxConns = def.MaxConns
	}
	if l.MaxRequestsPerConn <= 0 {
		l.MaxRequestsPerConn = def.MaxRequestsPerConn
	}
	return l
}

// Multiplexing reports whether more than one concurrent request per
// connection is accepted.
func (l Limits) Multiplexing() bool {
	return l.MaxRequestsPerConn > 1
}
