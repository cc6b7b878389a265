// Package server accepts transport connections and runs one engine
// connection per accepted transport, each in its own goroutine.
package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftbyte/fcgid/internal/engine"
)

var ErrServerClosed = errors.New("server: closed")

// Server owns the accept loop and the set of live connections.
type Server struct {
	handler engine.Handler
	limits  engine.Limits
	log     zerolog.Logger

	inShutdown atomic.Bool
	wg         sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*engine.Conn]struct{}
}

func New(handler engine.Handler, limits engine.Limits, logger zerolog.Logger) *Server {
	return &Server{
		handler:   handler,
		limits:    limits.WithDefaults(),
		log:       logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*engine.Conn]struct{}),
	}
}

// Listen binds the worker transport. "unix:/path" binds a unix socket;
// anything else is a TCP host:port.
func Listen(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "unix:") {
		return net.Listen("unix", strings.TrimPrefix(addr, "unix:"))
	}
	return net.Listen("tcp", addr)
}

// Serve accepts connections on l until Shutdown or a permanent accept
// error. Connections over the MaxConns limit are closed immediately.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	var delay time.Duration
	for {
		rw, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed, retrying")
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		if s.ActiveConns() >= s.limits.MaxConns {
			s.log.Warn().Str("remote", rw.RemoteAddr().String()).Msg("connection limit reached, refusing")
			_ = rw.Close()
			continue
		}

		conn := engine.NewConn(rw, engine.Config{
			Handler: s.handler,
			Limits:  s.limits,
			Logger:  s.log.With().Str("remote", rw.RemoteAddr().String()).Logger(),
		})
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := conn.Serve(); err != nil {
				s.log.Error().Err(err).Msg("connection failed")
			}
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Shutdown stops accepting, force-closes live connections, and waits
// for their drivers to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	for l := range s.listeners {
		_ = l.Close()
	}
	for conn := range s.conns {
		_ = conn.ForceClose()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ActiveConns returns the number of live connections.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ActiveRequests sums in-flight requests across live connections.
func (s *Server) ActiveRequests() int {
	s.mu.Lock()
	conns := make([]*engine.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	total := 0
	for _, conn := range conns {
		total += conn.ActiveRequests()
	}
	return total
}
