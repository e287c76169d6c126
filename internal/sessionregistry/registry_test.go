package sessionregistry

import (
	"testing"

	"github.com/google/uuid"
)

func TestRegisterAndBroadcast(t *testing.T) {
	r := New()
	userID := uuid.New()

	s1 := r.Register(userID, "sess-1", "client-1")
	s2 := r.Register(userID, "sess-2", "client-2")

	r.Broadcast(userID, "document_created", map[string]string{"id": "doc-1"})

	select {
	case msg := <-s1.Outbound:
		if msg.Type != "document_created" {
			t.Fatalf("unexpected type %s", msg.Type)
		}
	default:
		t.Fatal("expected message on sess-1")
	}

	select {
	case <-s2.Outbound:
	default:
		t.Fatal("expected message on sess-2")
	}
}

func TestRemoveDropsSession(t *testing.T) {
	r := New()
	userID := uuid.New()
	r.Register(userID, "sess-1", "client-1")

	r.Remove(userID, "sess-1")

	if got := len(r.Sessions(userID)); got != 0 {
		t.Fatalf("expected 0 sessions, got %d", got)
	}
}

func TestBroadcastEjectsSlowConsumer(t *testing.T) {
	r := New()
	userID := uuid.New()
	r.Register(userID, "slow", "client-1")

	for i := 0; i < outboundBufferSize+5; i++ {
		r.Broadcast(userID, "ping", nil)
	}

	if got := len(r.Sessions(userID)); got != 0 {
		t.Fatalf("expected slow consumer to be ejected, got %d sessions", got)
	}
}

func TestIsolationBetweenUsers(t *testing.T) {
	r := New()
	userA := uuid.New()
	userB := uuid.New()

	r.Register(userA, "a1", "c1")
	sb := r.Register(userB, "b1", "c2")

	r.Broadcast(userA, "document_created", nil)

	select {
	case <-sb.Outbound:
		t.Fatal("userB session should not receive userA's broadcast")
	default:
	}
}
