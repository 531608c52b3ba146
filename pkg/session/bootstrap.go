package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gradientgeeks/mitra-voice/internal/httpc"
)

// BootstrapClient talks to the REST session bootstrap: it creates the
// server-side session that hands us the WebSocket URL, and tears it
// down afterwards.
type BootstrapClient struct {
	baseURL string
	token   string
	logger  *slog.Logger
	client  *http.Client
}

// NewBootstrapClient creates a bootstrap client against the backend
// base URL with a bearer token.
func NewBootstrapClient(baseURL, token string, logger *slog.Logger) *BootstrapClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &BootstrapClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
		client:  httpc.Client,
	}
}

// StartRequest is the body of POST /voice/start.
type StartRequest struct {
	ProblemCategory string `json:"problem_category,omitempty"`
	VoiceOption     string `json:"voice_option"`
	Language        string `json:"language"`
}

// StartResponse echoes the created session.
type StartResponse struct {
	SessionID       string    `json:"session_id"`
	State           string    `json:"state"`
	WebsocketURL    string    `json:"websocket_url"`
	CreatedAt       time.Time `json:"created_at"`
	VoiceOption     string    `json:"voice_option"`
	Language        string    `json:"language"`
	ProblemCategory string    `json:"problem_category,omitempty"`
}

// StartSession creates a server-side voice session.
func (b *BootstrapClient) StartSession(ctx context.Context, req StartRequest) (*StartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: marshal start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/voice/start", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build start request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, NewError(CategoryTransport, "session bootstrap failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, NewError(CategoryTransport,
			fmt.Sprintf("session bootstrap returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	var out StartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewError(CategoryTransport, "decode bootstrap response", err)
	}
	if out.SessionID == "" || out.WebsocketURL == "" {
		return nil, NewError(CategoryTransport, "bootstrap response missing session_id or websocket_url", nil)
	}

	b.logger.Info("session created",
		"session_id", out.SessionID,
		"voice", out.VoiceOption,
		"language", out.Language,
	)

	return &out, nil
}

// EndSession deletes the server-side session. Best effort; a missing
// session is not an error.
func (b *BootstrapClient) EndSession(ctx context.Context, sessionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+"/voice/session/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("bootstrap: build end request: %w", err)
	}
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bootstrap: end session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("bootstrap: end session returned %d", resp.StatusCode)
	}
	return nil
}

// GetSession fetches the server's view of a session.
func (b *BootstrapClient) GetSession(ctx context.Context, sessionID string) (*StartResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/voice/session/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build get request: %w", err)
	}
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: get session returned %d", resp.StatusCode)
	}

	var out StartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bootstrap: decode session: %w", err)
	}
	return &out, nil
}

func (b *BootstrapClient) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}
