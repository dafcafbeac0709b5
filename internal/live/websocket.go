package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/careerpath/internal/identity"
	"github.com/ashureev/careerpath/internal/metrics"
	"github.com/ashureev/careerpath/internal/session"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	keepaliveInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Sessions looks up the session of an identity and keeps it from idling out.
type Sessions interface {
	Get(ctx context.Context, identity string) *session.Session
	Touch(identity string)
}

// Handler upgrades requests to websockets and pushes the caller's session
// view after every change.
type Handler struct {
	sessions      Sessions
	hub           *Hub
	metrics       *metrics.Metrics
	logger        *slog.Logger
	allowedOrigin string
	isDev         bool
	keepalive     time.Duration
}

// NewHandler creates a live view handler.
func NewHandler(sessions Sessions, hub *Hub, m *metrics.Metrics, logger *slog.Logger, allowedOrigin string, isDev bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		hub:           hub,
		metrics:       m,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		keepalive:     keepaliveInterval,
	}
}

// Message is a frame sent to clients.
type Message struct {
	Type string        `json:"type"`
	View *session.View `json:"view,omitempty"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tabID := sanitizeTabID(r.URL.Query().Get("tab"))
	if tabID == "" {
		tabID = uuid.NewString()
	}
	log := h.logger.With("user_id", userID, "tab_id", tabID)
	log.Info("Live connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.hub.Register(userID, tabID, ws)
	defer h.hub.Unregister(userID, tabID, ws)
	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := h.sessions.Get(ctx, userID)
	changes, stop := s.Watch()
	defer stop()

	pongs := make(chan struct{}, 1)
	go func() {
		defer cancel()
		h.readLoop(ctx, ws, userID, pongs, log)
	}()

	if err := h.pushView(ctx, ws, s); err != nil {
		log.Debug("Initial view push failed", "error", err)
		return
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Live connection ended")
			return
		case _, ok := <-changes:
			if !ok {
				log.Info("Session closed, ending live connection")
				return
			}
			if err := h.pushView(ctx, ws, s); err != nil {
				log.Debug("View push failed", "error", err)
				return
			}
		case <-pongs:
			if err := h.writeJSON(ctx, ws, Message{Type: "pong"}); err != nil {
				log.Debug("Failed to send pong", "error", err)
				return
			}
		case <-ticker.C:
			h.sessions.Touch(userID)
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				log.Debug("Keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop drains client frames. Any frame counts as activity; a ping frame
// is answered with a pong.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID string, pongs chan<- struct{}, log *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}
		h.sessions.Touch(userID)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) pushView(ctx context.Context, ws *websocket.Conn, s *session.Session) error {
	v := s.View()
	return h.writeJSON(ctx, ws, Message{Type: "view", View: &v})
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
