package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
	"github.com/gradientgeeks/mitra-voice/pkg/protocol"
)

// fakeBackend stands in for the conversational service: the REST
// bootstrap plus the duplex WebSocket endpoint.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	// holdStart, when set, blocks /voice/start until it is closed.
	holdStart chan struct{}

	connCh   chan *websocket.Conn
	received chan *protocol.Message
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{
		t:        t,
		connCh:   make(chan *websocket.Conn, 4),
		received: make(chan *protocol.Message, 1024),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/voice/start", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		hold := fb.holdStart
		fb.mu.Unlock()
		if hold != nil {
			<-hold
		}

		var req StartRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(StartResponse{
			SessionID:    "sess-test",
			State:        "created",
			WebsocketURL: "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/ws/voice",
			CreatedAt:    time.Now(),
			VoiceOption:  req.VoiceOption,
			Language:     req.Language,
		})
	})

	mux.HandleFunc("/voice/session/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ws/voice", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = ws
		fb.mu.Unlock()
		fb.connCh <- ws

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			select {
			case fb.received <- msg:
			default:
			}
		}
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)

	return fb
}

// waitConn blocks until the client connects.
func (fb *fakeBackend) waitConn() *websocket.Conn {
	fb.t.Helper()
	select {
	case ws := <-fb.connCh:
		return ws
	case <-time.After(2 * time.Second):
		fb.t.Fatal("client never connected")
		return nil
	}
}

// push sends one control envelope to the client.
func (fb *fakeBackend) push(msgType protocol.MessageType, data interface{}) {
	fb.t.Helper()

	fb.mu.Lock()
	ws := fb.conn
	fb.mu.Unlock()
	if ws == nil {
		fb.t.Fatal("push before connect")
	}

	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		fb.t.Fatalf("build %s: %v", msgType, err)
	}
	raw, _ := msg.Bytes()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		fb.t.Fatalf("push %s: %v", msgType, err)
	}
}

// expectType drains received envelopes until one of the wanted type
// arrives. Audio frames are plentiful, so unrelated types are skipped.
func (fb *fakeBackend) expectType(want protocol.MessageType) *protocol.Message {
	fb.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-fb.received:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			fb.t.Fatalf("never received %s", want)
			return nil
		}
	}
}

func newTestController(t *testing.T, fb *fakeBackend) (*Controller, <-chan Event) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BackendURL = fb.srv.URL
	cfg.AuthToken = "tok"
	cfg.Capture.Backend = audioio.BackendMock
	cfg.Capture.BufferDuration = 5 * time.Millisecond
	cfg.Playback.Backend = audioio.BackendMock
	cfg.WatchdogInterval = time.Hour // keep the watchdog quiet in tests

	c, err := NewController(cfg, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	events, cancel := c.Subscribe(512)
	t.Cleanup(cancel)
	t.Cleanup(func() { c.EndSession() })

	return c, events
}

// waitState drains events until the state machine reaches want,
// returning everything consumed along the way.
func waitState(t *testing.T, events <-chan Event, want State) []Event {
	t.Helper()
	var seen []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev)
			if ev.Kind == EventStateChanged && ev.State == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("never reached state %s (saw %d events)", want, len(seen))
			return nil
		}
	}
}

func startToListening(t *testing.T, c *Controller, fb *fakeBackend, events <-chan Event) *VoiceSession {
	t.Helper()

	sess, err := c.StartSession(context.Background(), StartOptions{Voice: "A", Language: "en"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	fb.waitConn()
	fb.expectType(protocol.TypeInitializeLiveSession)
	fb.push(protocol.TypeSessionReady, nil)
	waitState(t, events, StateListening)

	return sess
}

func TestSessionLifecycle(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)

	sess, err := c.StartSession(context.Background(), StartOptions{Voice: "A", Language: "en"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID != "sess-test" {
		t.Errorf("session ID = %q", sess.ID)
	}
	waitState(t, events, StateConnecting)

	fb.waitConn()

	// First envelope on the wire must be the initialize message with
	// the requested voice and VAD tuning.
	init := fb.expectType(protocol.TypeInitializeLiveSession)
	var initData protocol.InitializeData
	if err := init.ParseData(&initData); err != nil {
		t.Fatalf("parse initialize: %v", err)
	}
	if got := initData.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "A" {
		t.Errorf("voice = %q, want A", got)
	}
	if initData.RealtimeInputConfig.AutomaticActivityDetection.Disabled {
		t.Error("VAD should be enabled by default")
	}

	fb.push(protocol.TypeSessionReady, nil)
	seen := waitState(t, events, StateListening)

	// connected must be observed before listening
	var sawConnected bool
	for _, ev := range seen {
		if ev.Kind == EventStateChanged && ev.State == StateConnected {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Error("connected state never published")
	}

	// Microphone streams once listening.
	fb.expectType(protocol.TypeAudioStream)

	fb.push(protocol.TypeSpeechStarted, nil)
	waitState(t, events, StateUserSpeaking)

	fb.push(protocol.TypeInputTranscription, protocol.TranscriptionData{Text: "hello", IsPartial: false})

	fb.push(protocol.TypeSpeechEnded, nil)
	waitState(t, events, StateProcessing)

	fb.push(protocol.TypeAudioResponseStart, nil)
	waitState(t, events, StateAISpeaking)

	fb.push(protocol.TypeAudioResponseEnd, nil)
	waitState(t, events, StateListening)

	transcript := c.Transcript()
	if len(transcript) != 1 || transcript[0].Role != RoleUser || transcript[0].Text != "hello" {
		t.Errorf("transcript = %+v", transcript)
	}

	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after EndSession", c.State())
	}

	snap := c.Snapshot()
	if snap.CaptureActive {
		t.Error("capture still active after EndSession")
	}
	if snap.Playing {
		t.Error("playback still active after EndSession")
	}
}

func TestInterruptionCancelsPlayback(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.push(protocol.TypeSpeechStarted, nil)
	fb.push(protocol.TypeSpeechEnded, nil)
	fb.push(protocol.TypeAudioResponseStart, nil)
	waitState(t, events, StateAISpeaking)

	pcm := make([]byte, 960)
	fb.push(protocol.TypeAudioResponseChunk, protocol.AudioChunkData{
		Audio:    base64.StdEncoding.EncodeToString(pcm),
		MimeType: protocol.OutputMimeType,
	})

	deadline := time.Now().Add(time.Second)
	for !c.Snapshot().Playing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Snapshot().Playing {
		t.Fatal("playback never started")
	}

	fb.push(protocol.TypeInterruption, protocol.InterruptionData{Reason: "speech_detected"})
	seen := waitState(t, events, StateUserSpeaking)

	// The state change must be visible before the interruption event.
	stateIdx, interruptIdx := -1, -1
	for i, ev := range seen {
		if ev.Kind == EventStateChanged && ev.State == StateUserSpeaking && stateIdx < 0 {
			stateIdx = i
		}
		if ev.Kind == EventInterrupted {
			interruptIdx = i
		}
	}
	if interruptIdx >= 0 && interruptIdx < stateIdx {
		t.Error("interruption event published before its state change")
	}

	// The interruption event follows shortly after the state change.
	if interruptIdx < 0 {
		select {
		case ev := <-events:
			if ev.Kind != EventInterrupted {
				t.Errorf("next event kind = %s, want interrupted", ev.Kind)
			} else if ev.Interruption.Reason != "speech_detected" {
				t.Errorf("reason = %q", ev.Interruption.Reason)
			}
		case <-time.After(time.Second):
			t.Fatal("interruption event never published")
		}
	}

	if c.Snapshot().Playing {
		t.Error("playback still running after interruption")
	}
}

func TestStartSessionTwiceRejected(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	_, err := c.StartSession(context.Background(), StartOptions{Voice: "B", Language: "hi"})
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("err = %v, want ErrSessionAlreadyActive", err)
	}

	if c.State() != StateListening {
		t.Errorf("first session disturbed: state = %s", c.State())
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	fb := newFakeBackend(t)
	c, _ := newTestController(t, fb)

	// From disconnected it is a no-op.
	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession while disconnected: %v", err)
	}
	if err := c.EndSession(); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}
}

func TestEndSessionDuringStartAbortsStart(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)

	release := make(chan struct{})
	fb.mu.Lock()
	fb.holdStart = release
	fb.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.StartSession(context.Background(), StartOptions{Voice: "A", Language: "en"})
		errCh <- err
	}()

	waitState(t, events, StateConnecting)

	// End the session while the bootstrap call is still in flight.
	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after EndSession = %s", c.State())
	}

	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStartAborted) {
			t.Fatalf("StartSession err = %v, want ErrStartAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartSession never returned")
	}

	// The abandoned start must leave nothing behind: no state change,
	// no installed session, no transport connection.
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after aborted start", c.State())
	}
	if got := c.Snapshot().SessionID; got != "" {
		t.Errorf("session installed after aborted start: %q", got)
	}
	select {
	case <-fb.connCh:
		t.Fatal("aborted start still dialed the voice endpoint")
	case <-time.After(100 * time.Millisecond):
	}

	// A fresh session still starts cleanly afterwards.
	fb.mu.Lock()
	fb.holdStart = nil
	fb.mu.Unlock()
	startToListening(t, c, fb, events)
}

func TestEndSessionSendsGoodbye(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	fb.expectType(protocol.TypeEndSession)
}

func TestToggleMicrophone(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	c.ToggleMicrophone()
	if !c.MicrophoneMuted() {
		t.Fatal("mute did not take")
	}
	if c.State() != StateListening {
		t.Errorf("mute changed state to %s", c.State())
	}
	fb.expectType(protocol.TypeAudioStreamEnd)

	c.ToggleMicrophone()
	if c.MicrophoneMuted() {
		t.Fatal("unmute did not take")
	}
	if c.State() != StateListening {
		t.Errorf("unmute changed state to %s", c.State())
	}
}

func TestRemoteErrorAndClearError(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.push(protocol.TypeError, protocol.ErrorData{Message: "upstream quota exceeded"})
	waitState(t, events, StateError)

	snap := c.Snapshot()
	if !strings.Contains(snap.LastError, "upstream quota exceeded") {
		t.Errorf("last error = %q", snap.LastError)
	}
	if snap.CaptureActive {
		t.Error("capture still active in error state")
	}

	// Error is terminal until cleared, and the rejection says so.
	if _, err := c.StartSession(context.Background(), StartOptions{}); !errors.Is(err, ErrErrorNotCleared) {
		t.Errorf("start from error state: err = %v, want ErrErrorNotCleared", err)
	}

	if err := c.ClearError(); err != nil {
		t.Errorf("ClearError: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state after ClearError = %s", c.State())
	}

	// Outside the error state it reports the misuse and changes nothing.
	if err := c.ClearError(); !errors.Is(err, ErrNotInErrorState) {
		t.Errorf("second ClearError: err = %v, want ErrNotInErrorState", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state after second ClearError = %s", c.State())
	}
}

func TestUnknownMessageDropped(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.push(protocol.MessageType("shiny_future_thing"), map[string]string{"x": "y"})

	// A known transition still works afterwards.
	fb.push(protocol.TypeSpeechStarted, nil)
	waitState(t, events, StateUserSpeaking)
}

func TestGreetingBeforeUserSpeaks(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	// The assistant may speak first.
	fb.push(protocol.TypeAudioResponseStart, nil)
	waitState(t, events, StateAISpeaking)

	fb.push(protocol.TypeAudioResponseEnd, nil)
	waitState(t, events, StateListening)

	if c.State() != StateListening {
		t.Errorf("state = %s", c.State())
	}
}

func TestServerEndsSession(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.push(protocol.TypeSessionEnded, nil)
	waitState(t, events, StateDisconnected)

	if c.Snapshot().CaptureActive {
		t.Error("capture still active after server ended session")
	}
}

func TestTransportDropBecomesError(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.mu.Lock()
	fb.conn.UnderlyingConn().Close()
	fb.mu.Unlock()

	seen := waitState(t, events, StateError)

	var errEv *Event
	for i := range seen {
		if seen[i].Kind == EventErrored {
			errEv = &seen[i]
		}
	}
	if errEv == nil {
		select {
		case ev := <-events:
			if ev.Kind == EventErrored {
				errEv = &ev
			}
		case <-time.After(time.Second):
		}
	}
	if errEv == nil {
		t.Fatal("no errored event published")
	}
	if CategoryOf(errEv.Err) != CategoryTransport {
		t.Errorf("error category = %q, want transport", CategoryOf(errEv.Err))
	}

	c.ClearError()
	if c.State() != StateDisconnected {
		t.Errorf("state after ClearError = %s", c.State())
	}
}

func TestUsageAccounting(t *testing.T) {
	fb := newFakeBackend(t)
	c, events := newTestController(t, fb)
	startToListening(t, c, fb, events)

	fb.push(protocol.TypeUsage, protocol.UsageData{TotalTokens: 321})

	deadline := time.Now().Add(time.Second)
	for c.Snapshot().TotalTokens != 321 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Snapshot().TotalTokens; got != 321 {
		t.Errorf("total tokens = %d, want 321", got)
	}
}
