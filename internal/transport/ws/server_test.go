package ws

import (
	"bufio"
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/parley-chat/parley-server/internal/core"
	"github.com/parley-chat/parley-server/internal/proto"
	"github.com/parley-chat/parley-server/internal/store/filestore"
	"github.com/parley-chat/parley-server/internal/transport/tcp"
)

type wsClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func dialClient(t *testing.T, ctx context.Context, url string) *wsClient {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "bye") })
	return &wsClient{t: t, ctx: ctx, conn: conn}
}

func (c *wsClient) send(env *proto.Envelope) {
	c.t.Helper()

	data, err := env.Encode()
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) recv(kind proto.Kind) *proto.Envelope {
	c.t.Helper()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.t.Fatalf("read waiting for %q: %v", kind, err)
		}
		env, err := proto.Decode(data)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if env.Kind == kind {
			return env
		}
	}
}

func startGateway(t *testing.T) (string, *core.Registry) {
	t.Helper()

	nop := zerolog.Nop()
	st, err := filestore.New(afero.NewMemMapFs(), "data", &nop)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	registry := core.NewRegistry()
	queue := core.NewQueue()
	router := core.NewRouter(registry, st, queue, &nop)

	srv := NewServer("127.0.0.1:0", registry, queue, &nop)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go router.Worker(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http"), registry
}

func TestGatewayBindsIntoSharedRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, registry := startGateway(t)
	client := dialClient(t, ctx, url+"/ws")

	client.send(proto.New(proto.KindInitialisation, "robbie", "", nil))
	client.send(proto.New(proto.KindCreateRoom, "robbie", "crew", nil))
	if got := client.recv(proto.KindCreateRoom).Text(); got != "Room: crew created!" {
		t.Fatalf("create reply = %q", got)
	}

	// The ws session lives in the same registry the TCP transport uses.
	session, ok := registry.Get("robbie")
	if !ok {
		t.Fatal("ws session not bound in the shared registry")
	}
	if !session.HasRoom("crew") {
		t.Fatal("ws session missing granted room")
	}
}

// TestFanOutCrossesTransports puts one TCP client and one WebSocket client
// in the same room: both transports feed the same queue and registry, so
// messages flow in both directions.
func TestFanOutCrossesTransports(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nop := zerolog.Nop()
	st, err := filestore.New(afero.NewMemMapFs(), "data", &nop)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	registry := core.NewRegistry()
	queue := core.NewQueue()
	router := core.NewRouter(registry, st, queue, &nop)

	tcpSrv := tcp.NewServer("127.0.0.1:0", registry, queue, &nop)
	srvCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tcpSrv.Run(srvCtx)
	}()
	go router.Worker(srvCtx)
	t.Cleanup(func() {
		stop()
		queue.Close()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for tcpSrv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("tcp server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	gw := NewServer("127.0.0.1:0", registry, queue, &nop)
	ts := httptest.NewServer(gw.Handler)
	t.Cleanup(ts.Close)
	lewis := dialClient(t, ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")

	nc, err := net.DialTimeout("tcp", tcpSrv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	br := bufio.NewReader(nc)
	sendTCP := func(env *proto.Envelope) {
		t.Helper()
		data, err := env.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := proto.WriteFrame(nc, data); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	recvTCP := func(kind proto.Kind) *proto.Envelope {
		t.Helper()
		if err := nc.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		for {
			data, err := proto.ReadFrame(br)
			if err != nil {
				t.Fatalf("read frame waiting for %q: %v", kind, err)
			}
			env, err := proto.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Kind == kind {
				return env
			}
		}
	}

	sendTCP(proto.New(proto.KindInitialisation, "robbie", "", nil))
	lewis.send(proto.New(proto.KindInitialisation, "lewis", "", nil))

	sendTCP(proto.New(proto.KindCreateRoom, "robbie", "crew", []byte(`["lewis"]`)))
	if got := recvTCP(proto.KindCreateRoom).Text(); got != "Room: crew created!" {
		t.Fatalf("create reply = %q", got)
	}
	sendTCP(proto.New(proto.KindSelectRoom, "robbie", "crew", nil))
	recvTCP(proto.KindSelectRoom)
	lewis.send(proto.New(proto.KindSelectRoom, "lewis", "crew", nil))
	lewis.recv(proto.KindSelectRoom)

	// ws to tcp.
	lewis.send(proto.NewText(proto.KindText, "lewis", "crew", "hi"))
	msg := recvTCP(proto.KindText)
	if msg.SenderID != "lewis" || msg.Text() != "hi" {
		t.Fatalf("tcp client received %q from %q", msg.Text(), msg.SenderID)
	}

	// tcp to ws.
	sendTCP(proto.NewText(proto.KindText, "robbie", "crew", "copy"))
	msg = lewis.recv(proto.KindText)
	if msg.SenderID != "robbie" || msg.Text() != "copy" {
		t.Fatalf("ws client received %q from %q", msg.Text(), msg.SenderID)
	}
}

func TestGatewayRoomFanOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, _ := startGateway(t)
	robbie := dialClient(t, ctx, url+"/ws")
	lewis := dialClient(t, ctx, url+"/ws")

	robbie.send(proto.New(proto.KindInitialisation, "robbie", "", nil))
	lewis.send(proto.New(proto.KindInitialisation, "lewis", "", nil))

	robbie.send(proto.New(proto.KindCreateRoom, "robbie", "crew", []byte(`["lewis"]`)))
	if got := robbie.recv(proto.KindCreateRoom).Text(); got != "Room: crew created!" {
		t.Fatalf("create reply = %q", got)
	}

	robbie.send(proto.New(proto.KindSelectRoom, "robbie", "crew", nil))
	robbie.recv(proto.KindSelectRoom)
	lewis.send(proto.New(proto.KindSelectRoom, "lewis", "crew", nil))
	lewis.recv(proto.KindSelectRoom)

	lewis.send(proto.NewText(proto.KindText, "lewis", "crew", "hi"))

	msg := robbie.recv(proto.KindText)
	if msg.SenderID != "lewis" || msg.Text() != "hi" {
		t.Fatalf("robbie received %q from %q", msg.Text(), msg.SenderID)
	}
}
