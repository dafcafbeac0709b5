// Package live pushes session views to connected clients over websockets.
package live

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Hub tracks open connections per user and tab. A tab reconnecting replaces
// its previous connection.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
		logger: logger,
	}
}

// Get returns the connection for a user and tab.
func (h *Hub) Get(userID, tabID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if tabs, ok := h.active[userID]; ok {
		return tabs[tabID]
	}
	return nil
}

// Count returns the number of open connections for a user.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// Register adds conn for a user and tab, closing any connection it replaces.
func (h *Hub) Register(userID, tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[userID][tabID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[userID][tabID] = conn
	h.logger.Debug("Live connection registered", "user_id", userID, "tab_id", tabID)
}

// Unregister removes conn if it is still the current one for the tab.
func (h *Hub) Unregister(userID, tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tabs, ok := h.active[userID]; ok {
		if current, exists := tabs[tabID]; exists && current == conn {
			delete(tabs, tabID)
			if len(tabs) == 0 {
				delete(h.active, userID)
			}
			h.logger.Debug("Live connection unregistered", "user_id", userID, "tab_id", tabID)
		}
	}
}

// CloseUser closes every connection of a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for tabID, conn := range h.active[userID] {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		h.logger.Debug("Live connection closed", "user_id", userID, "tab_id", tabID)
	}
	delete(h.active, userID)
}

// CloseAll closes every connection. http.Server.Shutdown does not wait for
// hijacked connections, so this runs first on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, tabs := range h.active {
		for _, conn := range tabs {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.active, userID)
	}
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return ""
	}
	return id
}
