package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStateChanged, ClientID: "5511999990000", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Kind != KindStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindStateChanged)
		}
		if evt.ClientID != "5511999990000" {
			t.Errorf("got client %q, want 5511999990000", evt.ClientID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStateChanged})
	b.Publish(Event{Kind: KindReady})

	select {
	case evt := <-ch:
		if evt.Kind != KindReady {
			t.Errorf("got kind %q, want %q", evt.Kind, KindReady)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("wa.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(KindQR, "5511999990000", QRPayload{Code: "abc"})

	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v predates Emit call", evt.Timestamp)
	}
	if _, ok := evt.Payload.(QRPayload); !ok {
		t.Errorf("payload type = %T, want QRPayload", evt.Payload)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: KindStateChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("wa.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindReady})
	// This one should be dropped (non-blocking).
	b.Publish(Event{Kind: KindDisconnected})

	evt := <-ch
	if evt.Kind != KindReady {
		t.Errorf("got %q, want %q", evt.Kind, KindReady)
	}
}
