// Package tcp implements the connection multiplexer: it owns the listening
// socket and every accepted client socket. Read paths decode framed
// envelopes onto the shared message queue; workers only ever write back
// through each connection's single-writer pump.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/core"
)

// Server accepts client connections on one TCP listener.
type Server struct {
	addr     string
	registry *core.Registry
	queue    *core.Queue
	log      *zerolog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer builds a multiplexer listening on addr once Run is called.
func NewServer(addr string, registry *core.Registry, queue *core.Queue, logger *zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		queue:    queue,
		log:      logger,
	}
}

// Run binds the listener and accepts until ctx is cancelled. Failure to
// bind is the only fatal condition; per-connection errors never stop the
// accept loop. On return every client socket has been closed and drained.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}

		conn := newConn(nc, s.queue, s.registry, s.log)
		s.log.Info().Str("conn", conn.ID()).Str("remote", nc.RemoteAddr().String()).Msg("client connected")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.run(ctx)
		}()
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listener address, for tests that listen on an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
