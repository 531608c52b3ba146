// Package web provides a local debug dashboard for the voice session:
// current state and health over REST, and a live event stream over
// WebSocket.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/gradientgeeks/mitra-voice/pkg/hub"
	"github.com/gradientgeeks/mitra-voice/pkg/session"
)

// Server is the debug dashboard server.
type Server struct {
	app    *fiber.App
	port   string
	logger *slog.Logger

	controller *session.Controller
	eventHub   *hub.Hub

	cancelFeed context.CancelFunc
}

// NewServer creates a dashboard over the given controller.
func NewServer(port string, controller *session.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		port:       port,
		logger:     logger,
		controller: controller,
		eventHub:   hub.New("events", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Mitra Voice Dashboard",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/transcript", s.handleTranscript)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start runs the server and the event feed. Blocks until shutdown.
func (s *Server) Start() error {
	go s.eventHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFeed = cancel
	go s.feedEvents(ctx)

	s.logger.Info("dashboard listening", "addr", "http://localhost:"+s.port)
	return s.app.Listen(":" + s.port)
}

// StartAsync runs the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("dashboard server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.cancelFeed != nil {
		s.cancelFeed()
	}
	return s.app.Shutdown()
}

// feedEvents relays controller events into the broadcast hub.
func (s *Server) feedEvents(ctx context.Context) {
	events, cancel := s.controller.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.eventHub.BroadcastJSON(wireEvent(ev))
		}
	}
}

// dashboardEvent is the JSON shape events take on the dashboard wire.
// session.Event carries an error value that does not marshal, so it is
// flattened to a string here.
type dashboardEvent struct {
	Kind         string                     `json:"kind"`
	At           time.Time                  `json:"at"`
	Previous     string                     `json:"previous,omitempty"`
	State        string                     `json:"state,omitempty"`
	Transcript   *session.TranscriptEvent   `json:"transcript,omitempty"`
	Interruption *session.InterruptionEvent `json:"interruption,omitempty"`
	AudioBytes   int                        `json:"audio_bytes,omitempty"`
	Error        string                     `json:"error,omitempty"`
	TotalTokens  int                        `json:"total_tokens,omitempty"`
}

func wireEvent(ev session.Event) dashboardEvent {
	out := dashboardEvent{
		Kind:         ev.Kind.String(),
		At:           ev.At,
		Transcript:   ev.Transcript,
		Interruption: ev.Interruption,
		AudioBytes:   ev.AudioBytes,
		TotalTokens:  ev.TotalTokens,
	}
	if ev.Kind == session.EventStateChanged {
		out.Previous = ev.Previous.String()
		out.State = ev.State.String()
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}
