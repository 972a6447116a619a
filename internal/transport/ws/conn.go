package ws

import (
	"context"
	"net"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/core"
	"github.com/parley-chat/parley-server/internal/proto"
)

const sendBuffer = 256

// conn adapts a WebSocket client to core.Conn. WebSocket frames already
// delimit messages, so envelopes travel as bare JSON text frames with no
// length prefix.
type conn struct {
	id         string
	ws         *websocket.Conn
	remoteHost string
	queue      *core.Queue
	registry   *core.Registry
	log        zerolog.Logger

	send      chan *proto.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, remoteAddr string, queue *core.Queue, registry *core.Registry, logger *zerolog.Logger) *conn {
	id := uuid.NewString()
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return &conn{
		id:         id,
		ws:         ws,
		remoteHost: host,
		queue:      queue,
		registry:   registry,
		log:        logger.With().Str("conn", id).Str("remote", remoteAddr).Logger(),
		send:       make(chan *proto.Envelope, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) RemoteHost() string { return c.remoteHost }

// Closed implements core.Conn.
func (c *conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send implements core.Conn with the same drop-on-backpressure policy as
// the TCP transport.
func (c *conn) Send(env *proto.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		c.log.Warn().Str("kind", string(env.Kind)).Msg("slow ws client, outbound envelope dropped")
	}
}

// run blocks until the client goes away or ctx is cancelled.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop(ctx)
	c.close()
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.log.Info().Msg("ws client disconnected")
			} else if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		env, err := proto.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid message discarded")
			continue
		}
		c.queue.Enqueue(core.Inbound{Env: env, Conn: c})
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.send:
			data, err := env.Encode()
			if err != nil {
				c.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("encode outbound envelope")
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("ws write error")
				}
				c.close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "closing")
		if session := c.registry.RemoveConn(c.id); session != nil {
			c.log.Info().Str("user", session.Username).Msg("session removed")
		}
	})
}
