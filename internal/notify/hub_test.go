package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestSubscriptionMatches(t *testing.T) {
	all := Subscription{}
	if !all.matches("ct_abc") {
		t.Error("empty subscription should match every contract")
	}

	filtered := Subscription{ContractIDs: []string{"ct_abc", "ct_def"}}
	if !filtered.matches("ct_abc") {
		t.Error("should match subscribed contract")
	}
	if filtered.matches("ct_other") {
		t.Error("should NOT match unsubscribed contract")
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastMessage("ct_abc", "Contract is now active.")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only follows one contract.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{ContractIDs: []string{"ct_mine"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastMessage("ct_other", "noise")
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive events for other contracts")
	default:
	}

	h.BroadcastMessage("ct_mine", "Milestone submitted for review.")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive events for followed contract")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
