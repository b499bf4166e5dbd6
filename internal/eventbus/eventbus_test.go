package eventbus

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubscribeReceivesInitialSnapshotFirst(t *testing.T) {
	bus := New(AppState{Status: StatusDisconnected})
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindInitial {
			t.Fatalf("first event kind = %v, want KindInitial", ev.Kind)
		}
		if ev.Snapshot.Status != StatusDisconnected {
			t.Fatalf("initial snapshot status = %v", ev.Snapshot.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot event")
	}
}

func TestUpdateOrdersStateBeforeEvent(t *testing.T) {
	bus := New(AppState{Status: StatusDisconnected})
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	<-sub.Events() // drain initial snapshot

	bus.Update(AppState{Status: StatusPunching, PeerEndpoint: &Endpoint{IP: "10.0.0.1", Port: 9000}},
		Event{Kind: StatusPunching, TimeoutSeconds: 30, ProbeCount: 1})

	select {
	case ev := <-sub.Events():
		if ev.Kind != StatusPunching {
			t.Fatalf("kind = %v, want StatusPunching", ev.Kind)
		}
		if bus.Snapshot().Status != StatusPunching {
			t.Fatalf("snapshot not updated before event delivery")
		}
		if ev.Snapshot.Status != StatusPunching {
			t.Fatalf("event snapshot not refreshed by Update")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status event")
	}
}

func TestEmitDoesNotChangeState(t *testing.T) {
	bus := New(AppState{Status: StatusConnected, Fingerprint: "ABCD EFGH IJKL MNOP QRST UVWX"})
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	<-sub.Events()

	bus.Emit(Event{Kind: KindMessage, Content: "hi", Direction: DirectionInbound})

	ev := <-sub.Events()
	if ev.Kind != KindMessage || ev.Content != "hi" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if bus.Snapshot().Status != StatusConnected {
		t.Fatalf("Emit must not mutate AppState")
	}
}

func TestSlowSubscriberDropsRatherThanBlocksWriter(t *testing.T) {
	bus := New(AppState{})
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	<-sub.Events()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Emit(Event{Kind: KindMessage, Content: "spam"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a slow subscriber")
	}
}

func TestAppStateJSONShape(t *testing.T) {
	s := AppState{
		PublicEndpoint: &Endpoint{IP: "203.0.113.5", Port: 4000},
		Status:         StatusConnected,
		NATType:        "FullCone",
		Fingerprint:    "AB12 CD34 EF56 7890 1234 5678",
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["public_ip"] != "203.0.113.5:4000" {
		t.Fatalf("public_ip = %v", decoded["public_ip"])
	}
	if decoded["status"] != "CONNECTED" {
		t.Fatalf("status = %v", decoded["status"])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(AppState{})
	sub := bus.Subscribe()
	<-sub.Events()
	sub.Unsubscribe()

	bus.Emit(Event{Kind: KindChatCleared})

	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event after unsubscribe: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		// No delivery is also an acceptable outcome since the channel
		// was never closed, only detached from future broadcasts.
	}
}
