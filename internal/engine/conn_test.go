package engine

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftbyte/fcgid/internal/fcgi"
)

// startConn wires a Conn to one end of an in-memory pipe and starts its
// read loop. Records written by the engine arrive on recs; the channel
// closes when the connection goes down.
func startConn(t *testing.T, handler Handler, limits Limits) (client net.Conn, c *Conn, served chan error, recs chan fcgi.RawRecord) {
	t.Helper()
	client, transport := net.Pipe()
	c = NewConn(transport, Config{
		Handler: handler,
		Limits:  limits,
		Logger:  zerolog.Nop(),
	})

	// served carries Serve's result and is closed afterwards, so both a
	// test body and the cleanup below can wait on loop exit.
	served = make(chan error, 1)
	go func() {
		served <- c.Serve()
		close(served)
	}()

	recs = make(chan fcgi.RawRecord, 32)
	go func() {
		defer close(recs)
		for {
			rec, err := readRecord(client)
			if err != nil {
				return
			}
			recs <- rec
		}
	}()

	t.Cleanup(func() {
		_ = c.ForceClose()
		_ = client.Close()
		select {
		case <-served:
		case <-time.After(3 * time.Second):
			t.Errorf("read loop did not exit")
		}
	})
	return client, c, served, recs
}

// readRecord reassembles one complete frame from the stream.
func readRecord(r io.Reader) (fcgi.RawRecord, error) {
	frame := make([]byte, fcgi.HeaderLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return fcgi.RawRecord{}, err
	}
	rest := int(frame[4])<<8 | int(frame[5])
	rest += int(frame[6])
	frame = append(frame, make([]byte, rest)...)
	if _, err := io.ReadFull(r, frame[fcgi.HeaderLen:]); err != nil {
		return fcgi.RawRecord{}, err
	}
	rec, _, err := fcgi.DecodeRecord(frame)
	return rec, err
}

func nextRecord(t *testing.T, recs chan fcgi.RawRecord) fcgi.RawRecord {
	t.Helper()
	select {
	case rec, ok := <-recs:
		if !ok {
			t.Fatalf("connection closed while waiting for a record")
		}
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a record")
		return fcgi.RawRecord{}
	}
}

func expectClosed(t *testing.T, recs chan fcgi.RawRecord) {
	t.Helper()
	select {
	case rec, ok := <-recs:
		if ok {
			t.Fatalf("expected connection close, got %s for request %d", rec.Kind, rec.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection still open")
	}
}

func expectEndRequest(t *testing.T, recs chan fcgi.RawRecord, id uint16, appStatus int32, protocolStatus uint8) {
	t.Helper()
	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindEndRequest || rec.RequestID != id {
		t.Fatalf("expected EndRequest for %d, got %s for %d", id, rec.Kind, rec.RequestID)
	}
	body, err := fcgi.ParseEndRequestBody(rec.Content)
	if err != nil {
		t.Fatalf("EndRequest body: %v", err)
	}
	if body.AppStatus != appStatus || body.ProtocolStatus != protocolStatus {
		t.Fatalf("EndRequest body: got app=%d proto=%d, want app=%d proto=%d",
			body.AppStatus, body.ProtocolStatus, appStatus, protocolStatus)
	}
}

func expectStreamEnd(t *testing.T, recs chan fcgi.RawRecord, kind fcgi.Kind, id uint16) {
	t.Helper()
	rec := nextRecord(t, recs)
	if rec.Kind != kind || rec.RequestID != id || len(rec.Content) != 0 {
		t.Fatalf("expected empty %s for %d, got %s for %d with %d bytes",
			kind, id, rec.Kind, rec.RequestID, len(rec.Content))
	}
}

func sendRecord(t *testing.T, w io.Writer, rec fcgi.Record) {
	t.Helper()
	buf, err := fcgi.AppendRecord(nil, rec)
	if err != nil {
		t.Fatalf("encode %s: %v", rec.Kind, err)
	}
	if _, err := w.Write(buf); err != nil {
		t.Fatalf("write %s: %v", rec.Kind, err)
	}
}

func sendBegin(t *testing.T, w io.Writer, id uint16, role fcgi.Role, flags uint8) {
	t.Helper()
	sendRecord(t, w, fcgi.Record{
		Kind:      fcgi.KindBeginRequest,
		RequestID: id,
		Content:   fcgi.AppendBeginRequestBody(nil, fcgi.BeginRequestBody{Role: role, Flags: flags}),
	})
}

func sendParams(t *testing.T, w io.Writer, id uint16, pairs [][2]string) {
	t.Helper()
	p := fcgi.NewPairs()
	for _, kv := range pairs {
		p.Set(kv[0], kv[1])
	}
	if p.Len() > 0 {
		sendRecord(t, w, fcgi.Record{Kind: fcgi.KindParams, RequestID: id, Content: fcgi.AppendPairs(nil, p)})
	}
	sendRecord(t, w, fcgi.Record{Kind: fcgi.KindParams, RequestID: id})
}

func sendStdin(t *testing.T, w io.Writer, id uint16, body []byte) {
	t.Helper()
	if len(body) > 0 {
		sendRecord(t, w, fcgi.Record{Kind: fcgi.KindStdin, RequestID: id, Content: body})
	}
	sendRecord(t, w, fcgi.Record{Kind: fcgi.KindStdin, RequestID: id})
}

const keepConnFlag uint8 = 1

func TestResponderRoundTrip(t *testing.T) {
	var calls atomic.Int32
	var gotMethod string
	var gotStdin []byte
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
		gotMethod = req.Param("REQUEST_METHOD")
		gotStdin = req.Stdin()
		if _, err := req.Stdout().Write([]byte("hello")); err != nil {
			t.Errorf("stdout write: %v", err)
		}
		if err := req.Finish(0); err != nil {
			t.Errorf("finish: %v", err)
		}
	})

	client, _, served, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, [][2]string{{"REQUEST_METHOD", "GET"}})
	sendStdin(t, client, 1, nil)

	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindStdout || string(rec.Content) != "hello" {
		t.Fatalf("expected stdout \"hello\", got %s %q", rec.Kind, rec.Content)
	}
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	expectClosed(t, recs)

	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times", n)
	}
	if gotMethod != "GET" {
		t.Fatalf("REQUEST_METHOD = %q", gotMethod)
	}
	if len(gotStdin) != 0 {
		t.Fatalf("stdin not empty: %d bytes", len(gotStdin))
	}
}

func TestStdinSpansRecords(t *testing.T) {
	var gotStdin []byte
	handler := HandlerFunc(func(req *Request) {
		gotStdin = req.Stdin()
	})

	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, nil)
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindStdin, RequestID: 1, Content: []byte("abc")})
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindStdin, RequestID: 1, Content: []byte("def")})
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindStdin, RequestID: 1})

	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if string(gotStdin) != "abcdef" {
		t.Fatalf("stdin = %q", gotStdin)
	}
}

func TestHandlerReturnWithoutFinish(t *testing.T) {
	handler := HandlerFunc(func(req *Request) {})
	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 3, fcgi.RoleResponder, 0)
	sendParams(t, client, 3, nil)
	sendStdin(t, client, 3, nil)

	expectStreamEnd(t, recs, fcgi.KindStdout, 3)
	expectEndRequest(t, recs, 3, 0, fcgi.StatusRequestComplete)
	expectClosed(t, recs)
}

func TestAbortBeforeHandlerRuns(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, c, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	p := fcgi.NewPairs()
	p.Set("REQUEST_METHOD", "POST")
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindParams, RequestID: 1, Content: fcgi.AppendPairs(nil, p)})
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindAbortRequest, RequestID: 1})

	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if n := c.ActiveRequests(); n != 0 {
		t.Fatalf("request id not released: %d active", n)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times for an aborted request", n)
	}
}

func TestSecondBeginRequestRefused(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, _, _, recs := startConn(t, handler, Limits{MaxRequestsPerConn: 1})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendBegin(t, client, 2, fcgi.RoleResponder, 0)

	expectEndRequest(t, recs, 2, 0, fcgi.StatusCantMultiplex)

	// Request 1 is unaffected and completes normally.
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times", n)
	}
}

func TestOverloadedWhenMultiplexingSaturated(t *testing.T) {
	client, _, _, recs := startConn(t, nil, Limits{MaxRequestsPerConn: 2})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendBegin(t, client, 2, fcgi.RoleResponder, keepConnFlag)
	sendBegin(t, client, 3, fcgi.RoleResponder, keepConnFlag)

	expectEndRequest(t, recs, 3, 0, fcgi.StatusOverloaded)
}

func TestUnsupportedRoleRefused(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, c, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleAuthorizer, keepConnFlag)

	expectEndRequest(t, recs, 1, 0, fcgi.StatusUnknownRole)
	if n := c.ActiveRequests(); n != 0 {
		t.Fatalf("refused request left active: %d", n)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran for an unsupported role")
	}
}

func TestGetValues(t *testing.T) {
	client, _, _, recs := startConn(t, nil, Limits{MaxConns: 8, MaxRequestsPerConn: 2})

	asked := fcgi.NewPairs()
	asked.Set(fcgi.VarMaxConns, "")
	asked.Set(fcgi.VarMaxReqs, "")
	asked.Set(fcgi.VarMpxsConns, "")
	asked.Set("FCGI_BOGUS", "")
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindGetValues, Content: fcgi.AppendPairs(nil, asked)})

	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindGetValuesResult || rec.RequestID != 0 {
		t.Fatalf("expected GetValuesResult, got %s for %d", rec.Kind, rec.RequestID)
	}
	reply, err := fcgi.DecodePairs(rec.Content)
	if err != nil {
		t.Fatalf("reply pairs: %v", err)
	}
	if reply.Len() != 3 {
		t.Fatalf("reply has %d pairs: %v", reply.Len(), reply.Names())
	}
	if v := reply.Value(fcgi.VarMaxConns); v != "8" {
		t.Fatalf("%s = %q", fcgi.VarMaxConns, v)
	}
	if v := reply.Value(fcgi.VarMaxReqs); v != "16" {
		t.Fatalf("%s = %q", fcgi.VarMaxReqs, v)
	}
	if v := reply.Value(fcgi.VarMpxsConns); v != "1" {
		t.Fatalf("%s = %q", fcgi.VarMpxsConns, v)
	}
	if _, ok := reply.Get("FCGI_BOGUS"); ok {
		t.Fatalf("unrecognized name answered")
	}
}

func TestUnknownManagementType(t *testing.T) {
	client, _, _, recs := startConn(t, nil, Limits{})
	sendRecord(t, client, fcgi.Record{Kind: fcgi.Kind(99), RequestID: 0, Content: []byte{1, 2, 3}})

	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindUnknown || rec.RequestID != 0 {
		t.Fatalf("expected UnknownType reply, got %s for %d", rec.Kind, rec.RequestID)
	}
	if len(rec.Content) != 8 || rec.Content[0] != 99 {
		t.Fatalf("UnknownType body: % x", rec.Content)
	}
}

func TestRecordForUnknownRequest(t *testing.T) {
	client, _, _, recs := startConn(t, nil, Limits{})
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindStdin, RequestID: 7, Content: []byte("x")})

	expectEndRequest(t, recs, 7, 1, fcgi.StatusRequestComplete)
}

func TestUnexpectedRecordKindAbortsRequest(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindStdout, RequestID: 1, Content: []byte("bogus")})

	expectEndRequest(t, recs, 1, 1, fcgi.StatusRequestComplete)
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran after a protocol violation")
	}

	// The violation is request-granular: management traffic still works.
	asked := fcgi.NewPairs()
	asked.Set(fcgi.VarMpxsConns, "")
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindGetValues, Content: fcgi.AppendPairs(nil, asked)})
	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindGetValuesResult {
		t.Fatalf("connection unusable after request-granular violation: got %s", rec.Kind)
	}
}

func TestDuplicateBeginRequestDropped(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, _, _, recs := startConn(t, handler, Limits{MaxRequestsPerConn: 4})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)

	// The duplicate is dropped; the original request still completes.
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times", n)
	}
}

func TestKeepConnServesSequentialRequests(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, _, served, recs := startConn(t, handler, Limits{})

	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)

	// The id is released; the peer reuses it on the same connection.
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	expectClosed(t, recs)

	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times", n)
	}
}

func TestRequestIDReusableImmediatelyAfterEndRequest(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
	})

	client, _, _, recs := startConn(t, handler, Limits{})

	// The id is released before the EndRequest reaches the peer, so a
	// peer reusing it the moment it reads EndRequest must never collide
	// with a stale table entry.
	const rounds = 25
	for i := 0; i < rounds; i++ {
		sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
		sendParams(t, client, 1, nil)
		sendStdin(t, client, 1, nil)
		expectStreamEnd(t, recs, fcgi.KindStdout, 1)
		expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	}
	if n := calls.Load(); n != rounds {
		t.Fatalf("handler ran %d times, want %d", n, rounds)
	}
}

func TestBadVersionTearsDownConnection(t *testing.T) {
	client, _, served, recs := startConn(t, nil, Limits{})

	frame := mustRecord(t, fcgi.Record{Kind: fcgi.KindGetValues})
	frame[0] = 9
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	expectClosed(t, recs)
	select {
	case err := <-served:
		if !errors.Is(err, fcgi.ErrBadVersion) {
			t.Fatalf("serve returned %v, want ErrBadVersion", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not exit")
	}
}

func TestTruncatedPairsTearDownConnection(t *testing.T) {
	cases := []struct {
		name string
		send func(t *testing.T, client net.Conn)
	}{
		{"GetValues content", func(t *testing.T, client net.Conn) {
			sendRecord(t, client, fcgi.Record{Kind: fcgi.KindGetValues, Content: []byte{0x80, 0, 0}})
		}},
		{"params stream", func(t *testing.T, client net.Conn) {
			sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
			sendRecord(t, client, fcgi.Record{Kind: fcgi.KindParams, RequestID: 1, Content: []byte{0x80, 0, 0}})
			sendRecord(t, client, fcgi.Record{Kind: fcgi.KindParams, RequestID: 1})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _, served, recs := startConn(t, nil, Limits{})
			tc.send(t, client)

			expectClosed(t, recs)
			select {
			case err := <-served:
				if !errors.Is(err, fcgi.ErrPairsTruncated) {
					t.Fatalf("serve returned %v, want ErrPairsTruncated", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("read loop did not exit")
			}
		})
	}
}

func TestWriteAfterAbortRefused(t *testing.T) {
	writeErr := make(chan error, 1)
	handler := HandlerFunc(func(req *Request) {
		<-req.Done()
		_, err := req.Stdout().Write([]byte("late"))
		writeErr <- err
	})

	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, keepConnFlag)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)
	sendRecord(t, client, fcgi.Record{Kind: fcgi.KindAbortRequest, RequestID: 1})

	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	select {
	case err := <-writeErr:
		if !errors.Is(err, ErrRequestFinished) {
			t.Fatalf("write after abort returned %v, want ErrRequestFinished", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler write did not return")
	}

	// Nothing may follow that request's EndRequest.
	select {
	case rec, ok := <-recs:
		if ok {
			t.Fatalf("record after EndRequest: %s for %d", rec.Kind, rec.RequestID)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	handler := HandlerFunc(func(req *Request) {
		panic("handler blew up")
	})

	client, _, served, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)

	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 1, fcgi.StatusRequestComplete)
	expectClosed(t, recs)
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestLargeResponseChunked(t *testing.T) {
	payload := make([]byte, 2*fcgi.MaxContentLen+999)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	handler := HandlerFunc(func(req *Request) {
		if _, err := req.Stdout().Write(payload); err != nil {
			t.Errorf("stdout write: %v", err)
		}
	})

	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)

	var got []byte
	for {
		rec := nextRecord(t, recs)
		if rec.Kind != fcgi.KindStdout || rec.RequestID != 1 {
			t.Fatalf("expected stdout, got %s for %d", rec.Kind, rec.RequestID)
		}
		if len(rec.Content) > fcgi.MaxContentLen {
			t.Fatalf("oversized record: %d bytes", len(rec.Content))
		}
		if len(rec.Content) == 0 {
			break
		}
		got = append(got, rec.Content...)
	}
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if !bytes.Equal(got, payload) {
		t.Fatalf("response mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestStderrTerminatedOnlyWhenWritten(t *testing.T) {
	handler := HandlerFunc(func(req *Request) {
		if _, err := req.Stderr().Write([]byte("warning")); err != nil {
			t.Errorf("stderr write: %v", err)
		}
	})

	client, _, _, recs := startConn(t, handler, Limits{})
	sendBegin(t, client, 1, fcgi.RoleResponder, 0)
	sendParams(t, client, 1, nil)
	sendStdin(t, client, 1, nil)

	rec := nextRecord(t, recs)
	if rec.Kind != fcgi.KindStderr || string(rec.Content) != "warning" {
		t.Fatalf("expected stderr \"warning\", got %s %q", rec.Kind, rec.Content)
	}
	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectStreamEnd(t, recs, fcgi.KindStderr, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
}

func TestByteAtATimeDelivery(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(req *Request) {
		calls.Add(1)
		if v := req.Param("REQUEST_METHOD"); v != "GET" {
			t.Errorf("REQUEST_METHOD = %q", v)
		}
	})

	client, _, _, recs := startConn(t, handler, Limits{})

	p := fcgi.NewPairs()
	p.Set("REQUEST_METHOD", "GET")
	var transcript []byte
	transcript = append(transcript, mustRecord(t, fcgi.Record{
		Kind:      fcgi.KindBeginRequest,
		RequestID: 1,
		Content:   fcgi.AppendBeginRequestBody(nil, fcgi.BeginRequestBody{Role: fcgi.RoleResponder}),
	})...)
	transcript = append(transcript, mustRecord(t, fcgi.Record{Kind: fcgi.KindParams, RequestID: 1, Content: fcgi.AppendPairs(nil, p)})...)
	transcript = append(transcript, mustRecord(t, fcgi.Record{Kind: fcgi.KindParams, RequestID: 1})...)
	transcript = append(transcript, mustRecord(t, fcgi.Record{Kind: fcgi.KindStdin, RequestID: 1})...)

	for i := range transcript {
		if _, err := client.Write(transcript[i : i+1]); err != nil {
			t.Fatalf("write byte %d: %v", i, err)
		}
	}

	expectStreamEnd(t, recs, fcgi.KindStdout, 1)
	expectEndRequest(t, recs, 1, 0, fcgi.StatusRequestComplete)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times", n)
	}
}

func mustRecord(t *testing.T, rec fcgi.Record) []byte {
	t.Helper()
	buf, err := fcgi.AppendRecord(nil, rec)
	if err != nil {
		t.Fatalf("encode %s: %v", rec.Kind, err)
	}
	return buf
}
