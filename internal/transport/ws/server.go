// Package ws is the WebSocket gateway: browser clients speak the same
// envelope protocol as TCP clients and land on the same queue and registry,
// so rooms and presence are shared across transports.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/core"
)

// Gateway bridges WebSocket connections onto the core.
type Gateway struct {
	registry *core.Registry
	queue    *core.Queue
	log      *zerolog.Logger
}

// NewServer builds the gateway's HTTP server with /ws and /healthz routes.
// The upgrade handler needs the raw ResponseWriter: gin's wrapper refuses
// Hijack once headers are written and Accept sends the 101 before
// hijacking, so /ws is mounted on the mux next to the engine, not inside it.
func NewServer(addr string, registry *core.Registry, queue *core.Queue, logger *zerolog.Logger) *http.Server {
	g := &Gateway{
		registry: registry,
		queue:    queue,
		log:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.Handle("/", engine)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Error().Err(err).Msg("ws accept error")
		return
	}

	conn := newConn(ws, r.RemoteAddr, g.queue, g.registry, g.log)
	g.log.Info().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("ws client connected")
	conn.run(r.Context())
}

// Shutdown stops srv within timeout, for the app's graceful teardown.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
