// Package server runs the framed TCP command protocol. The gateway and the
// storage nodes share it and differ only in the Handler they mount.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/ratelimit"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// Handler executes one parsed command and writes its reply on conn. A
// non-nil error means conn is out of sync and must be closed; failures that
// were reported to the peer return nil.
type Handler interface {
	Handle(ctx context.Context, conn *wire.Conn, cmd command.Command) error
}

// Config configures a Server.
type Config struct {
	Addr    string
	Wire    wire.Options
	Limiter *ratelimit.Keyed // nil disables per-host limiting
	Logger  zerolog.Logger
}

// Server accepts connections and runs one command loop per connection.
type Server struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Server with handler mounted.
func New(handler Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address and starts accepting in the
// background. Use port 0 to listen on a random available port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener's network address (e.g., "127.0.0.1:12345").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, closes every live connection and waits for their
// goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.cfg.Limiter.AllowAddr(conn.RemoteAddr()) {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rate limited")
			conn.Close()
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serveConn(raw net.Conn) {
	defer s.wg.Done()
	defer s.untrack(raw)
	defer raw.Close()

	log := s.log.With().
		Str("conn", uuid.NewString()).
		Str("remote", raw.RemoteAddr().String()).
		Logger()
	log.Debug().Msg("connection opened")

	conn := wire.NewConn(raw, s.cfg.Wire)
	if err := Serve(log.WithContext(s.ctx), conn, s.handler); err != nil {
		if s.ctx.Err() == nil {
			log.Warn().Err(err).Msg("connection dropped")
		}
		return
	}
	log.Debug().Msg("connection closed")
}
