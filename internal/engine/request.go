package engine

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/driftbyte/fcgid/internal/fcgi"
)

// requestState is the lifecycle position of one in-flight request.
type requestState uint8

const (
	stateBegan requestState = iota
	stateCollectingParams
	stateCollectingStdin
	stateProcessing
	stateCompleted
)

func (s requestState) String() string {
	switch s {
	case stateBegan:
		return "began"
	case stateCollectingParams:
		return "collecting_params"
	case stateCollectingStdin:
		return "collecting_stdin"
	case stateProcessing:
		return "processing"
	default:
		return "completed"
	}
}

// Request is one in-flight FastCGI request. The engine owns it from
// BeginRequest until the EndRequest record has been flushed; the
// application sees it only while Processing, through ServeRequest.
type Request struct {
	conn     *Conn
	id       uint16
	role     fcgi.Role
	keepConn bool

	// Owned by the connection read loop until Processing.
	state     requestState
	paramsBuf []byte
	stdinBuf  []byte

	params *fcgi.Pairs
	stdin  []byte

	done chan struct{}

	// ended flips once Finish or abort wins; readable without mu so the
	// write path can re-check it under the connection write lock.
	ended atomic.Bool

	mu          sync.Mutex
	finished    bool
	aborted     bool
	stderrWrote bool
}

func newRequest(conn *Conn, id uint16, body fcgi.BeginRequestBody) *Request {
	return &Request{
		conn:     conn,
		id:       id,
		role:     body.Role,
		keepConn: body.KeepConn(),
		state:    stateBegan,
		done:     make(chan struct{}),
	}
}

// ID returns the peer-chosen request id.
func (r *Request) ID() uint16 { return r.id }

// Role returns the requested role. Only RoleResponder reaches a handler.
func (r *Request) Role() fcgi.Role { return r.role }

// KeepConn reports whether the peer asked to reuse the connection.
func (r *Request) KeepConn() bool { return r.keepConn }

// Params returns the decoded parameter mapping.
func (r *Request) Params() *fcgi.Pairs { return r.params }

// Param returns one parameter value, or "" when absent.
func (r *Request) Param(name string) string { return r.params.Value(name) }

// Stdin returns the complete request body.
func (r *Request) Stdin() []byte { return r.stdin }

// Done is closed when the request is aborted by the peer or the
// connection is torn down. Handlers doing long work should watch it.
func (r *Request) Done() <-chan struct{} { return r.done }

// Stdout returns the response body sink. Writes are chunked into
// FCGI_STDOUT records.
func (r *Request) Stdout() io.Writer {
	return &streamWriter{req: r, kind: fcgi.KindStdout}
}

// Stderr returns the error stream sink, chunked into FCGI_STDERR records.
func (r *Request) Stderr() io.Writer {
	return &streamWriter{req: r, kind: fcgi.KindStderr}
}

// Finish closes the output streams, emits EndRequest with the given
// application status, and releases the request id. Finish is observed
// at most once; later calls return ErrRequestFinished. After an abort
// Finish is a no-op: the EndRequest already went out.
func (r *Request) Finish(appStatus int32) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return ErrRequestFinished
	}
	r.finished = true
	r.ended.Store(true)
	aborted := r.aborted
	stderrWrote := r.stderrWrote
	r.mu.Unlock()

	if aborted {
		return nil
	}
	return r.conn.completeRequest(r, appStatus, stderrWrote)
}

// finishDefault covers handlers that return without calling Finish.
func (r *Request) finishDefault() {
	_ = r.Finish(0)
}

// abort discards buffered streams and marks the request dead. Called
// from the connection read loop (AbortRequest, violations) or teardown.
// Reports whether this call won; the EndRequest is the caller's job.
func (r *Request) abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.aborted {
		return false
	}
	r.aborted = true
	r.ended.Store(true)
	r.paramsBuf = nil
	r.stdinBuf = nil
	close(r.done)
	return true
}

// onRecord advances the state machine with one inbound record. It runs
// on the connection read loop only. Errors returned here are fatal to
// the connection; request-granular problems are reported through
// conn.violation instead.
func (r *Request) onRecord(raw fcgi.RawRecord) error {
	if raw.Kind == fcgi.KindAbortRequest {
		r.conn.abortRequest(r)
		return nil
	}

	switch r.state {
	case stateBegan, stateCollectingParams:
		switch raw.Kind {
		case fcgi.KindParams:
			if len(raw.Content) == 0 {
				params, err := fcgi.DecodePairs(r.paramsBuf)
				if err != nil {
					return err
				}
				r.params = params
				r.paramsBuf = nil
				r.state = stateCollectingStdin
				return nil
			}
			r.paramsBuf = append(r.paramsBuf, raw.Content...)
			r.state = stateCollectingParams
		case fcgi.KindData:
			// Responder has no data stream; drop it.
		default:
			r.conn.violation(r.id, "unexpected %s while %s", raw.Kind, r.state)
		}

	case stateCollectingStdin:
		switch raw.Kind {
		case fcgi.KindStdin:
			if len(raw.Content) == 0 {
				r.stdin = r.stdinBuf
				r.stdinBuf = nil
				r.state = stateProcessing
				r.conn.startProcessing(r)
				return nil
			}
			r.stdinBuf = append(r.stdinBuf, raw.Content...)
		case fcgi.KindData:
			// drop
		default:
			r.conn.violation(r.id, "unexpected %s while %s", raw.Kind, r.state)
		}

	case stateProcessing:
		switch raw.Kind {
		case fcgi.KindData:
			// drop
		default:
			r.conn.violation(r.id, "unexpected %s while %s", raw.Kind, r.state)
		}
	}
	return nil
}

// streamWriter routes handler output into records for one stream.
type streamWriter struct {
	req  *Request
	kind fcgi.Kind
}

func (w *streamWriter) Write(p []byte) (int, error) {
	r := w.req
	r.mu.Lock()
	if r.finished || r.aborted {
		r.mu.Unlock()
		return 0, ErrRequestFinished
	}
	if w.kind == fcgi.KindStderr && len(p) > 0 {
		r.stderrWrote = true
	}
	r.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if err := r.conn.writeStream(r, w.kind, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
