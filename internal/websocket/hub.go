// Package websocket is the realtime duplex transport. One connection can
// drive and follow any number of sessions at once; frames are defined in
// pkg/wire.
package websocket

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/crypto"
	"github.com/fwdslsh/dispatch/internal/logger"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/session"
	"github.com/fwdslsh/dispatch/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front of us.
		return true
	},
}

// Hub upgrades websocket connections and routes their frames to the session
// manager. It also fans ephemeral activity transitions out to every
// connection subscribed to the session.
type Hub struct {
	manager *session.Manager
	jwt     *crypto.JWTManager
	met     *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*connection
}

func NewHub(manager *session.Manager, jwt *crypto.JWTManager, met *metrics.Metrics) *Hub {
	h := &Hub{
		manager: manager,
		jwt:     jwt,
		met:     met,
		conns:   make(map[string]*connection),
	}
	manager.SetActivityNotifier(h.broadcastActivity)
	return h
}

// HandleWebSocket authenticates and upgrades one connection, then serves it
// until it disconnects.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
		return
	}
	claims, err := h.jwt.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}

	conn := newConnection(h, ws)
	h.register(conn)
	h.met.Connections.Inc()
	logger.Infof("[ws] %s connected (subject %s)", conn.id, claims.Subject)

	defer func() {
		h.unregister(conn)
		h.met.Connections.Dec()
		conn.shutdown()
		logger.Infof("[ws] %s disconnected", conn.id)
	}()

	go conn.writeLoop()
	conn.readLoop()
}

// bearerToken accepts the token from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query
// parameter.
func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}

func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
}

// broadcastActivity pushes an ephemeral activity frame to every connection
// following the session. Must not block: it runs on session loop goroutines.
func (h *Hub) broadcastActivity(sessionID string, state adapter.ActivityState) {
	frame, err := wire.NewFrame(wire.TypeActivity, "", wire.ActivityPayload{
		SessionID: sessionID,
		State:     string(state),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		if conn.follows(sessionID) {
			conn.trySend(frame)
		}
	}
}
