package ws

import "testing"

func testSession(userID string) *Session {
	s := NewSession(nil, nil)
	s.userID = userID
	return s
}

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry()
	s1 := testSession("u1")
	s2 := testSession("u1")

	r.Attach(s1, "u1")
	r.Attach(s2, "u1")

	if got := len(r.SessionsOfUser("u1")); got != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d", got)
	}

	if wentOffline := r.Detach(s1); wentOffline {
		t.Fatal("user must not go offline while another session remains")
	}
	if wentOffline := r.Detach(s2); !wentOffline {
		t.Fatal("user must go offline when last session detaches")
	}
	if got := r.SessionsOfUser("u1"); got != nil {
		t.Fatalf("expected empty user bucket, got %v", got)
	}
}

func TestRegistryChannelBindingIsBidirectional(t *testing.T) {
	r := NewRegistry()
	s := testSession("u1")
	r.Attach(s, "u1")

	r.ChannelAdd(s, "c1")
	r.ChannelAdd(s, "c2")

	if _, ok := s.joined["c1"]; !ok {
		t.Fatal("session must track joined channel c1")
	}
	if got := len(r.SessionsOfChannel("c1")); got != 1 {
		t.Fatalf("expected 1 session in c1, got %d", got)
	}

	r.ChannelRemove(s, "c1")
	if _, ok := s.joined["c1"]; ok {
		t.Fatal("session must drop c1 after leave")
	}
	if got := r.SessionsOfChannel("c1"); got != nil {
		t.Fatalf("expected pruned c1 bucket, got %v", got)
	}
	if _, ok := r.byChannel["c1"]; ok {
		t.Fatal("empty channel bucket must be pruned")
	}
}

func TestRegistryDetachUnwindsChannels(t *testing.T) {
	r := NewRegistry()
	s := testSession("u1")
	other := testSession("u2")
	r.Attach(s, "u1")
	r.Attach(other, "u2")
	r.ChannelAdd(s, "c1")
	r.ChannelAdd(other, "c1")

	r.Detach(s)

	sessions := r.SessionsOfChannel("c1")
	if len(sessions) != 1 || sessions[0] != other {
		t.Fatalf("expected only the other session in c1, got %v", sessions)
	}
	if len(s.joined) != 0 {
		t.Fatalf("detached session must have no joined channels, got %v", s.joined)
	}
}

func TestRegistryUnauthenticatedDetachIsNoop(t *testing.T) {
	r := NewRegistry()
	s := NewSession(nil, nil)

	if wentOffline := r.Detach(s); wentOffline {
		t.Fatal("detaching an unauthenticated session must not report offline")
	}
}
