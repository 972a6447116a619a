package core

import (
	"testing"
)

func TestRegistryBindIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := NewSession("robbie", newFakeConn("c1"), nil)
	if _, bound := r.Bind(first); !bound {
		t.Fatal("first bind should succeed")
	}

	// A second initialisation for a bound username keeps the first session,
	// even from a different connection.
	second := NewSession("robbie", newFakeConn("c2"), nil)
	got, bound := r.Bind(second)
	if bound {
		t.Fatal("second bind should be a no-op")
	}
	if got != first {
		t.Fatal("expected the first session to win")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one session, got %d", r.Len())
	}
}

func TestRegistryRemoveConn(t *testing.T) {
	r := NewRegistry()
	s := NewSession("robbie", newFakeConn("c1"), nil)
	r.Bind(s)

	if removed := r.RemoveConn("c1"); removed != s {
		t.Fatal("expected bound session to be removed")
	}
	if _, ok := r.Get("robbie"); ok {
		t.Fatal("session still present after removal")
	}
	if removed := r.RemoveConn("c1"); removed != nil {
		t.Fatal("second removal should find nothing")
	}
}

func TestRegistryInRoomSnapshot(t *testing.T) {
	r := NewRegistry()

	robbie := NewSession("robbie", newFakeConn("c1"), nil)
	lewis := NewSession("lewis", newFakeConn("c2"), nil)
	adam := NewSession("adam", newFakeConn("c3"), nil)
	for _, s := range []*Session{robbie, lewis, adam} {
		s.AddRoom("crew")
		r.Bind(s)
	}
	robbie.SelectRoom("crew")
	lewis.SelectRoom("crew")

	members := r.InRoom("crew")
	if len(members) != 2 {
		t.Fatalf("expected 2 sessions in crew, got %d", len(members))
	}
	for _, m := range members {
		if m.Username == "adam" {
			t.Fatal("adam never selected crew")
		}
	}
	if len(r.All()) != 3 {
		t.Fatalf("expected 3 bound sessions, got %d", len(r.All()))
	}
}

func TestSessionCurrentRoomInvariant(t *testing.T) {
	s := NewSession("robbie", newFakeConn("c1"), nil)
	if s.SelectRoom("crew") {
		t.Fatal("selecting an unknown room must fail")
	}
	if s.CurrentRoom() != "" {
		t.Fatalf("currentRoom mutated on rejected select: %q", s.CurrentRoom())
	}

	s.AddRoom("crew")
	if !s.SelectRoom("crew") {
		t.Fatal("selecting a member room must succeed")
	}
	if s.CurrentRoom() != "crew" {
		t.Fatalf("expected crew, got %q", s.CurrentRoom())
	}

	s.ClearCurrentRoom()
	if s.CurrentRoom() != "" {
		t.Fatal("expected no current room after clear")
	}
}
