package engine

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/driftbyte/fcgid/internal/fcgi"
	"github.com/driftbyte/fcgid/internal/observability"
)

const readChunk = 4096

// Config carries the collaborators a connection needs.
type Config struct {
	Handler Handler
	Limits  Limits
	Logger  zerolog.Logger
}

// Conn drives one transport connection: it owns the read half, decodes
// records out of a growable buffer, routes them to per-request state,
// and serializes every outbound record through a single write path so
// records of concurrent requests never interleave.
type Conn struct {
	transport io.ReadWriteCloser
	handler   Handler
	limits    Limits
	log       zerolog.Logger

	writeMu  sync.Mutex
	writeBuf []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	requests map[uint16]*Request
}

// NewConn wraps an accepted transport. The caller runs Serve.
func NewConn(transport io.ReadWriteCloser, cfg Config) *Conn {
	if cfg.Handler == nil {
		cfg.Handler = HandlerFunc(func(req *Request) {})
	}
	return &Conn{
		transport: transport,
		handler:   cfg.Handler,
		limits:    cfg.Limits.WithDefaults(),
		log:       cfg.Logger,
		requests:  make(map[uint16]*Request),
	}
}

// Serve runs the read loop until the peer closes the connection, the
// connection is force-closed, or a fatal protocol/transport error.
// In-flight requests are abandoned on exit; nothing more is written.
func (c *Conn) Serve() error {
	observability.ConnOpened()
	defer observability.ConnClosed()
	defer c.teardown()

	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, readErr := c.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for {
			raw, consumed, err := fcgi.DecodeRecord(buf)
			if errors.Is(err, fcgi.ErrNeedMoreData) {
				break
			}
			if err != nil {
				c.log.Error().Err(err).Msg("fatal decode error")
				return err
			}
			buf = buf[consumed:]
			observability.RecordRead(raw.Kind.String())
			if err := c.dispatch(raw); err != nil {
				c.log.Error().Err(err).Msg("fatal record error")
				return err
			}
			if c.closed.Load() {
				return nil
			}
		}

		if readErr != nil {
			if c.closed.Load() {
				return nil
			}
			if errors.Is(readErr, io.EOF) {
				if len(buf) != 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return readErr
		}
	}
}

// ForceClose closes the transport. The read loop observes it at the
// next record boundary and exits cleanly; in-flight requests are
// abandoned without wire traffic.
func (c *Conn) ForceClose() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// ActiveRequests returns the number of requests currently in flight.
func (c *Conn) ActiveRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Conn) teardown() {
	_ = c.ForceClose()
	c.mu.Lock()
	live := make([]*Request, 0, len(c.requests))
	for _, req := range c.requests {
		live = append(live, req)
	}
	c.requests = make(map[uint16]*Request)
	c.mu.Unlock()
	for _, req := range live {
		req.abort()
	}
}

func (c *Conn) dispatch(raw fcgi.RawRecord) error {
	if raw.RequestID == 0 {
		return c.handleManagement(raw)
	}

	if raw.Kind == fcgi.KindBeginRequest {
		return c.beginRequest(raw)
	}

	c.mu.Lock()
	req, ok := c.requests[raw.RequestID]
	c.mu.Unlock()
	if !ok {
		c.violation(raw.RequestID, "record %s for unknown request", raw.Kind)
		return nil
	}
	return req.onRecord(raw)
}

func (c *Conn) beginRequest(raw fcgi.RawRecord) error {
	body, err := fcgi.ParseBeginRequestBody(raw.Content)
	if err != nil {
		c.violation(raw.RequestID, "malformed BeginRequest body: %v", err)
		return nil
	}

	c.mu.Lock()
	if _, exists := c.requests[raw.RequestID]; exists {
		c.mu.Unlock()
		// The prior instance of this id has not completed. Overriding it
		// silently would cross two requests' streams, so the duplicate is
		// dropped and the live request stays untouched.
		observability.ProtocolViolation()
		c.log.Warn().Uint16("request_id", raw.RequestID).Msg("BeginRequest for id still in flight, dropped")
		return nil
	}
	inFlight := len(c.requests)
	if inFlight >= c.limits.MaxRequestsPerConn {
		c.mu.Unlock()
		status := fcgi.StatusOverloaded
		if !c.limits.Multiplexing() {
			status = fcgi.StatusCantMultiplex
		}
		observability.ProtocolViolation()
		c.log.Warn().Uint16("request_id", raw.RequestID).Int("in_flight", inFlight).Msg("concurrent BeginRequest refused")
		return c.endRequest(raw.RequestID, 0, status)
	}
	req := newRequest(c, raw.RequestID, body)
	c.requests[raw.RequestID] = req
	c.mu.Unlock()

	if body.Role != fcgi.RoleResponder {
		c.removeRequest(raw.RequestID)
		c.log.Warn().Uint16("request_id", raw.RequestID).Stringer("role", body.Role).Msg("unsupported role refused")
		return c.endRequest(raw.RequestID, 0, fcgi.StatusUnknownRole)
	}

	observability.RequestBegun()
	c.log.Debug().Uint16("request_id", raw.RequestID).Bool("keep_conn", body.KeepConn()).Msg("request began")
	return nil
}

// startProcessing hands a fully assembled request to the handler.
func (c *Conn) startProcessing(req *Request) {
	go func() {
		defer func() {
			if v := recover(); v != nil {
				c.log.Error().Uint16("request_id", req.id).Interface("panic", v).Msg("handler panicked")
				_ = req.Finish(1)
			}
		}()
		c.handler.ServeRequest(req)
		req.finishDefault()
	}()
}

// abortRequest handles an AbortRequest record: the request dies at this
// record boundary, the handler (if already running) keeps the Done
// signal, and exactly one EndRequest goes out.
func (c *Conn) abortRequest(req *Request) {
	if !req.abort() {
		return
	}
	c.removeRequest(req.id)
	c.log.Debug().Uint16("request_id", req.id).Msg("request aborted by peer")
	if err := c.endRequest(req.id, 0, fcgi.StatusRequestComplete); err != nil {
		c.log.Error().Err(err).Uint16("request_id", req.id).Msg("abort EndRequest write failed")
	}
	observability.RequestCompleted("aborted")
}

// completeRequest finishes a request on the handler's behalf: release
// the id, close the output streams, emit EndRequest, and drop the
// connection when the peer did not ask to keep it. The id leaves the
// table before the EndRequest is flushed: the peer may reuse it the
// moment it reads EndRequest, and a stale entry would make the reusing
// BeginRequest look like a duplicate.
func (c *Conn) completeRequest(req *Request, appStatus int32, stderrWrote bool) error {
	c.removeRequest(req.id)

	c.writeMu.Lock()
	buf := c.writeBuf[:0]
	buf = fcgi.AppendEndOfStream(buf, fcgi.KindStdout, req.id)
	if stderrWrote {
		buf = fcgi.AppendEndOfStream(buf, fcgi.KindStderr, req.id)
	}
	endBody := fcgi.AppendEndRequestBody(nil, fcgi.EndRequestBody{
		AppStatus:      appStatus,
		ProtocolStatus: fcgi.StatusRequestComplete,
	})
	buf, _ = fcgi.AppendRecord(buf, fcgi.Record{
		Kind:      fcgi.KindEndRequest,
		RequestID: req.id,
		Content:   endBody,
	})
	err := c.flush(buf)
	c.writeBuf = buf
	c.writeMu.Unlock()

	observability.RequestCompleted(strconv.Itoa(int(appStatus)))
	observability.RecordWritten(fcgi.KindEndRequest.String())
	c.log.Debug().Uint16("request_id", req.id).Int32("app_status", appStatus).Msg("request completed")

	if !req.keepConn {
		_ = c.ForceClose()
	}
	return err
}

// violation reports a request-granular protocol violation: the request
// (if any) is aborted, the id is handed back to the peer through an
// EndRequest with a nonzero application status, and the connection
// lives on.
func (c *Conn) violation(id uint16, format string, args ...any) {
	observability.ProtocolViolation()
	c.log.Warn().Uint16("request_id", id).Msgf("protocol violation: "+format, args...)

	c.mu.Lock()
	req := c.requests[id]
	c.mu.Unlock()
	if req != nil {
		if !req.abort() {
			return
		}
		c.removeRequest(id)
		observability.RequestCompleted("violation")
	}
	if err := c.endRequest(id, 1, fcgi.StatusRequestComplete); err != nil {
		c.log.Error().Err(err).Uint16("request_id", id).Msg("violation EndRequest write failed")
	}
}

func (c *Conn) handleManagement(raw fcgi.RawRecord) error {
	switch raw.Kind {
	case fcgi.KindGetValues:
		return c.getValues(raw.Content)
	case fcgi.KindUnknown:
		c.log.Debug().Uint8("wire_type", raw.WireType).Msg("unknown management record type")
		return c.writeRecord(fcgi.Record{
			Kind:    fcgi.KindUnknown,
			Content: fcgi.AppendUnknownTypeBody(nil, raw.WireType),
		})
	default:
		// Known record kind that has no meaning with request id 0.
		observability.ProtocolViolation()
		c.log.Warn().Stringer("kind", raw.Kind).Msg("management record of non-management kind ignored")
		return nil
	}
}

// getValues answers the capability query. Only recognized names appear
// in the reply; unknown names are omitted, never an error.
func (c *Conn) getValues(content []byte) error {
	asked, err := fcgi.DecodePairs(content)
	if err != nil {
		return err
	}
	reply := fcgi.NewPairs()
	for _, name := range asked.Names() {
		switch name {
		case fcgi.VarMaxConns:
			reply.Set(name, strconv.Itoa(c.limits.MaxConns))
		case fcgi.VarMaxReqs:
			reply.Set(name, strconv.Itoa(c.limits.MaxConns*c.limits.MaxRequestsPerConn))
		case fcgi.VarMpxsConns:
			v := "0"
			if c.limits.Multiplexing() {
				v = "1"
			}
			reply.Set(name, v)
		}
	}
	return c.writeRecord(fcgi.Record{
		Kind:    fcgi.KindGetValuesResult,
		Content: fcgi.AppendPairs(nil, reply),
	})
}

func (c *Conn) endRequest(id uint16, appStatus int32, protocolStatus uint8) error {
	body := fcgi.AppendEndRequestBody(nil, fcgi.EndRequestBody{
		AppStatus:      appStatus,
		ProtocolStatus: protocolStatus,
	})
	return c.writeRecord(fcgi.Record{Kind: fcgi.KindEndRequest, RequestID: id, Content: body})
}

// writeRecord frames and writes one record under the write lock.
func (c *Conn) writeRecord(rec fcgi.Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf, err := fcgi.AppendRecord(c.writeBuf[:0], rec)
	c.writeBuf = buf
	if err != nil {
		return err
	}
	if err := c.flush(buf); err != nil {
		return err
	}
	observability.RecordWritten(rec.Kind.String())
	return nil
}

// writeStream chunks payload into records of kind for req. The whole
// chunk run goes out under one hold of the write lock. The liveness
// re-check under that lock keeps a racing write from emitting a stream
// record after the request's EndRequest.
func (c *Conn) writeStream(req *Request, kind fcgi.Kind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if req.ended.Load() {
		return ErrRequestFinished
	}
	buf := fcgi.AppendStream(c.writeBuf[:0], kind, req.id, payload)
	c.writeBuf = buf
	if err := c.flush(buf); err != nil {
		return err
	}
	observability.RecordWritten(kind.String())
	return nil
}

func (c *Conn) flush(buf []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := c.transport.Write(buf); err != nil {
		return fmt.Errorf("engine: transport write: %w", err)
	}
	return nil
}

func (c *Conn) removeRequest(id uint16) {
	c.mu.Lock()
	delete(c.requests, id)
	c.mu.Unlock()
}
