package session

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventStateChanged: the connection state moved.
	EventStateChanged EventKind = iota
	// EventTranscriptAppended: a transcript fragment arrived.
	EventTranscriptAppended
	// EventInterrupted: the user barged in and playback was cancelled.
	EventInterrupted
	// EventAudioReceived: a chunk of reply audio arrived.
	EventAudioReceived
	// EventErrored: a failure was reported.
	EventErrored
	// EventUsage: token accounting arrived from the backend.
	EventUsage
)

// String returns a human-readable event kind.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventTranscriptAppended:
		return "transcript_appended"
	case EventInterrupted:
		return "interrupted"
	case EventAudioReceived:
		return "audio_received"
	case EventErrored:
		return "errored"
	case EventUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Event is the tagged union delivered to subscribers. Exactly the
// fields implied by Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// EventStateChanged
	Previous State `json:"previous,omitempty"`
	State    State `json:"state,omitempty"`

	// EventTranscriptAppended
	Transcript *TranscriptEvent `json:"transcript,omitempty"`

	// EventInterrupted
	Interruption *InterruptionEvent `json:"interruption,omitempty"`

	// EventAudioReceived: decoded PCM byte count, not the audio itself.
	AudioBytes int `json:"audio_bytes,omitempty"`

	// EventErrored
	Err error `json:"-"`

	// EventUsage
	TotalTokens int `json:"total_tokens,omitempty"`
}

// broadcaster fans events out to subscribers, each over its own
// ordered buffered channel. A subscriber that stops draining loses
// events rather than stalling the session.
type broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped int64
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel closes the
// channel.
func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// publish delivers an event to every subscriber in registration-stable
// order. Delivery never blocks; full subscriber buffers drop.
func (b *broadcaster) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", id,
				"kind", ev.Kind.String(),
			)
		}
	}
}

// closeAll closes every subscriber channel. Used at controller
// shutdown.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
