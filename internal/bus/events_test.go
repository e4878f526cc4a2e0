package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On("test.event", func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: "test.event", Key: "developer", Payload: map[string]any{"count": 1}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "event.a"})
	eb.Emit(Event{Type: "event.b"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.On("panic", func(e Event) {
		panic("test panic")
	})

	// Should not panic the caller
	eb.Emit(Event{Type: "panic"})
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: "test"})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On("test", func(e Event) { got = e })

	before := time.Now()
	eb.Emit(Event{Type: "test"})

	if got.Timestamp.IsZero() {
		t.Fatal("timestamp should be auto-set")
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v is before emit at %v", got.Timestamp, before)
	}
}

func TestEventBus_LateSubscriberSeesOnlyNewEvents(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: EventHistoryLoaded, Key: "developer", Payload: map[string]any{"messages": make([]byte, 1<<20)}})

	var received []Event
	eb.On("*", func(e Event) { received = append(received, e) })
	eb.Emit(Event{Type: EventConversationAppended, Key: "developer"})

	if len(received) != 1 {
		t.Fatalf("expected only the event emitted after subscribing, got %d", len(received))
	}
	if received[0].Type != EventConversationAppended {
		t.Errorf("expected %s, got %s", EventConversationAppended, received[0].Type)
	}
}

func TestEventBus_OffAfterEarlierRemovalKeepsIDsUnique(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var first, second int32
	id1 := eb.On(EventHistoryLoaded, func(e Event) { atomic.AddInt32(&first, 1) })
	eb.Off(EventHistoryLoaded, id1)
	id2 := eb.On(EventHistoryLoaded, func(e Event) { atomic.AddInt32(&second, 1) })
	if id1 == id2 {
		t.Fatalf("handler IDs reused: %q", id1)
	}

	eb.Off(EventHistoryLoaded, id1)
	eb.Emit(Event{Type: EventHistoryLoaded, Key: "developer"})

	if atomic.LoadInt32(&first) != 0 || atomic.LoadInt32(&second) != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestEventBus_CarriesKey(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got string
	eb.On(EventConversationAppended, func(e Event) { got = e.Key })
	eb.Emit(Event{Type: EventConversationAppended, Key: "scrum-master:proj-7"})

	if got != "scrum-master:proj-7" {
		t.Errorf("expected key to be delivered, got %q", got)
	}
}
