package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/gradientgeeks/mitra-voice/pkg/hub"
)

// handleStatus returns the controller's debug snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.controller.Snapshot())
}

// handleTranscript returns the session transcript in arrival order.
func (s *Server) handleTranscript(c *fiber.Ctx) error {
	return c.JSON(s.controller.Transcript())
}

// handleEventsWS streams live session events to a dashboard client.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	// Seed the client with the current snapshot before live events.
	c.WriteJSON(s.controller.Snapshot())

	client := hub.NewClient(s.eventHub, c)
	client.Run()
}
