package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/core"
	"github.com/parley-chat/parley-server/internal/proto"
)

// sendBuffer bounds the per-connection outbound queue. Envelopes beyond it
// are dropped rather than letting a slow client stall a worker.
const sendBuffer = 256

// Conn is one client socket. The read loop reassembles length-prefixed
// frames and pushes decoded envelopes onto the shared queue; a single
// writer goroutine drains the send channel so concurrent workers never
// interleave partial writes. Only this package closes the socket.
type Conn struct {
	id       string
	nc       net.Conn
	queue    *core.Queue
	registry *core.Registry
	log      zerolog.Logger

	send      chan *proto.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, queue *core.Queue, registry *core.Registry, logger *zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		nc:       nc,
		queue:    queue,
		registry: registry,
		log:      logger.With().Str("conn", id).Str("remote", nc.RemoteAddr().String()).Logger(),
		send:     make(chan *proto.Envelope, sendBuffer),
		done:     make(chan struct{}),
	}
}

// ID implements core.Conn.
func (c *Conn) ID() string { return c.id }

// Closed implements core.Conn.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// RemoteHost returns the peer's address without the port.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

// Send queues an envelope for the writer goroutine. It never blocks: when
// the connection is closed or the buffer is full the envelope is dropped
// and logged.
func (c *Conn) Send(env *proto.Envelope) {
	select {
	case <-c.done:
		c.log.Debug().Str("kind", string(env.Kind)).Msg("send on closed connection dropped")
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		c.log.Warn().Str("kind", string(env.Kind)).Msg("slow client, outbound envelope dropped")
	}
}

// run services the connection until EOF, a stream error, or ctx
// cancellation, then tears the session down.
func (c *Conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop()
	c.close()
}

func (c *Conn) readLoop() {
	br := bufio.NewReader(c.nc)
	for {
		frame, err := proto.ReadFrame(br)
		if err != nil {
			var tooLarge *proto.ErrFrameTooLarge
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				c.log.Info().Msg("client disconnected")
			case errors.As(err, &tooLarge):
				// The stream cannot be resynchronized past a bad prefix.
				c.log.Warn().Err(err).Msg("oversized frame, closing connection")
			default:
				c.log.Warn().Err(err).Msg("read error, closing connection")
			}
			return
		}

		env, err := proto.Decode(frame)
		if err != nil {
			// Invalid message: drop it, keep the connection.
			c.log.Warn().Err(err).Msg("invalid message discarded")
			continue
		}
		c.queue.Enqueue(core.Inbound{Env: env, Conn: c})
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.send:
			data, err := env.Encode()
			if err != nil {
				c.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("encode outbound envelope")
				continue
			}
			if err := proto.WriteFrame(c.nc, data); err != nil {
				c.log.Warn().Err(err).Msg("write error, closing connection")
				c.close()
				return
			}
		case <-ctx.Done():
			// Unblocks the read loop so shutdown never waits on idle clients.
			c.close()
			return
		}
	}
}

// close tears down the socket and, if a session was bound, removes it from
// the registry. Safe to call from both loops.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
		if session := c.registry.RemoveConn(c.id); session != nil {
			c.log.Info().Str("user", session.Username).Msg("session removed")
		}
	})
}
