package core

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/parley-chat/parley-server/internal/proto"
	"github.com/parley-chat/parley-server/internal/store"
	"github.com/parley-chat/parley-server/internal/store/filestore"
)

// fakeConn captures outbound envelopes for assertions.
type fakeConn struct {
	id   string
	sent chan *proto.Envelope

	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, sent: make(chan *proto.Envelope, 64)}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteHost() string { return "127.0.0.1" }

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// disconnect marks the connection torn down, as transport close() does.
func (c *fakeConn) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Send(env *proto.Envelope) {
	select {
	case c.sent <- env:
	default:
	}
}

func mustEnvelope(t *testing.T, c *fakeConn, kind proto.Kind) *proto.Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case env := <-c.sent:
			if env.Kind == kind {
				return env
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("expected envelope of kind %q not received", kind)
	return nil
}

func noEnvelope(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case env := <-c.sent:
		t.Fatalf("unexpected envelope %q: %s", env.Kind, env.Text())
	default:
	}
}

func newTestRouter(t *testing.T) (*Router, *Registry, store.Store) {
	t.Helper()

	nop := zerolog.Nop()
	st, err := filestore.New(afero.NewMemMapFs(), "data", &nop)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	registry := NewRegistry()
	router := NewRouter(registry, st, NewQueue(), &nop)
	return router, registry, st
}
