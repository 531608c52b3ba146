package session

import (
	"log/slog"
	"testing"
	"time"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := newBroadcaster(slog.Default())

	ch, cancel := b.subscribe(16)
	defer cancel()

	b.publish(Event{Kind: EventStateChanged, Previous: StateDisconnected, State: StateConnecting})
	b.publish(Event{Kind: EventStateChanged, Previous: StateConnecting, State: StateConnected})
	b.publish(Event{Kind: EventTranscriptAppended, Transcript: &TranscriptEvent{Role: RoleUser, Text: "hi"}})

	want := []EventKind{EventStateChanged, EventStateChanged, EventTranscriptAppended}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Errorf("event %d: kind = %s, want %s", i, ev.Kind, kind)
			}
			if ev.At.IsZero() {
				t.Errorf("event %d: timestamp not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := newBroadcaster(slog.Default())

	ch, cancel := b.subscribe(1)
	defer cancel()

	b.publish(Event{Kind: EventStateChanged, State: StateConnecting})
	b.publish(Event{Kind: EventStateChanged, State: StateConnected}) // dropped
	b.publish(Event{Kind: EventStateChanged, State: StateListening}) // dropped

	ev := <-ch
	if ev.State != StateConnecting {
		t.Errorf("got %s, want connecting", ev.State)
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBroadcasterCancel(t *testing.T) {
	b := newBroadcaster(slog.Default())

	ch, cancel := b.subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing to no subscribers must not panic.
	b.publish(Event{Kind: EventStateChanged, State: StateListening})

	// Cancelling twice must not panic.
	cancel()
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := newBroadcaster(slog.Default())

	ch1, cancel1 := b.subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.subscribe(4)
	defer cancel2()

	b.publish(Event{Kind: EventUsage, TotalTokens: 7})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.TotalTokens != 7 {
				t.Errorf("subscriber %d: tokens = %d, want 7", i, ev.TotalTokens)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received event", i)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateListening, "listening"},
		{StateUserSpeaking, "userSpeaking"},
		{StateProcessing, "processing"},
		{StateAISpeaking, "aiSpeaking"},
		{StateError, "error"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateActive(t *testing.T) {
	active := []State{StateConnected, StateListening, StateUserSpeaking, StateProcessing, StateAISpeaking}
	inactive := []State{StateDisconnected, StateConnecting, StateError}

	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
}
