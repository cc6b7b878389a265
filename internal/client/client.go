// Package client is a minimal FastCGI client for exercising a worker
// from the command line and from tests. It speaks the responder role
// over one connection at a time.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/driftbyte/fcgid/internal/fcgi"
)

var ErrClientClosed = errors.New("client: closed")

// Response is the worker's answer to one request.
type Response struct {
	Stdout    []byte
	Stderr    []byte
	AppStatus int32
}

// Client holds one transport connection to a worker. Requests are
// issued sequentially; the connection is kept open between them.
type Client struct {
	conn   net.Conn
	nextID uint16
	closed bool
}

// Dial connects to a worker. "unix:/path" dials a unix socket;
// anything else is a TCP host:port.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	network, target := "tcp", addr
	if strings.HasPrefix(addr, "unix:") {
		network, target = "unix", strings.TrimPrefix(addr, "unix:")
	}
	conn, err := net.DialTimeout(network, target, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, nextID: 1}, nil
}

func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Do runs one responder request and collects the complete response.
// The connection stays open for the next request.
func (c *Client) Do(params *fcgi.Pairs, stdin []byte, deadline time.Duration) (*Response, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if deadline > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
			return nil, err
		}
	}

	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}

	var buf []byte
	buf, err := fcgi.AppendRecord(buf, fcgi.Record{
		Kind:      fcgi.KindBeginRequest,
		RequestID: id,
		Content: fcgi.AppendBeginRequestBody(nil, fcgi.BeginRequestBody{
			Role:  fcgi.RoleResponder,
			Flags: 1, // keep the connection for the next Do
		}),
	})
	if err != nil {
		return nil, err
	}
	if params != nil && params.Len() > 0 {
		buf = fcgi.AppendStream(buf, fcgi.KindParams, id, fcgi.AppendPairs(nil, params))
	}
	buf = fcgi.AppendEndOfStream(buf, fcgi.KindParams, id)
	if len(stdin) > 0 {
		buf = fcgi.AppendStream(buf, fcgi.KindStdin, id, stdin)
	}
	buf = fcgi.AppendEndOfStream(buf, fcgi.KindStdin, id)
	if _, err := c.conn.Write(buf); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}

	resp := &Response{}
	for {
		rec, err := c.readRecord()
		if err != nil {
			return nil, fmt.Errorf("client: read response: %w", err)
		}
		if rec.RequestID != id {
			continue
		}
		switch rec.Kind {
		case fcgi.KindStdout:
			resp.Stdout = append(resp.Stdout, rec.Content...)
		case fcgi.KindStderr:
			resp.Stderr = append(resp.Stderr, rec.Content...)
		case fcgi.KindEndRequest:
			body, err := fcgi.ParseEndRequestBody(rec.Content)
			if err != nil {
				return nil, err
			}
			if body.ProtocolStatus != fcgi.StatusRequestComplete {
				return nil, fmt.Errorf("client: request refused with protocol status %d", body.ProtocolStatus)
			}
			resp.AppStatus = body.AppStatus
			return resp, nil
		}
	}
}

// GetValues queries the worker's capability variables.
func (c *Client) GetValues(deadline time.Duration, names ...string) (*fcgi.Pairs, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if deadline > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
			return nil, err
		}
	}

	asked := fcgi.NewPairs()
	for _, name := range names {
		asked.Set(name, "")
	}
	buf, err := fcgi.AppendRecord(nil, fcgi.Record{
		Kind:    fcgi.KindGetValues,
		Content: fcgi.AppendPairs(nil, asked),
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return nil, fmt.Errorf("client: write GetValues: %w", err)
	}

	for {
		rec, err := c.readRecord()
		if err != nil {
			return nil, fmt.Errorf("client: read GetValuesResult: %w", err)
		}
		if rec.Kind != fcgi.KindGetValuesResult || rec.RequestID != 0 {
			continue
		}
		return fcgi.DecodePairs(rec.Content)
	}
}

func (c *Client) readRecord() (fcgi.RawRecord, error) {
	frame := make([]byte, fcgi.HeaderLen)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return fcgi.RawRecord{}, err
	}
	rest := int(frame[4])<<8 | int(frame[5])
	rest += int(frame[6])
	frame = append(frame, make([]byte, rest)...)
	if _, err := io.ReadFull(c.conn, frame[fcgi.HeaderLen:]); err != nil {
		return fcgi.RawRecord{}, err
	}
	rec, _, err := fcgi.DecodeRecord(frame)
	return rec, err
}
