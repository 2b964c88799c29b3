package providersim

import (
	"net/http"
	"sync"

	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// hub tracks push channel connections and their correlation id
// subscriptions. Writes to a connection are serialized under the hub lock;
// the read loop never writes.
type hub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn]map[string]bool
}

func newHub() *hub {
	return &hub{subs: make(map[*websocket.Conn]map[string]bool)}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.subs[conn] = make(map[string]bool)
	h.mu.Unlock()
	metrics.PushSubscribers.Inc()
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
	metrics.PushSubscribers.Dec()
}

// subscribe registers interest in one correlation id. Repeat subscriptions
// are no-ops, so resubscription after a client reconnect is idempotent.
func (h *hub) subscribe(conn *websocket.Conn, correlationID string) {
	h.mu.Lock()
	if set, ok := h.subs[conn]; ok {
		set[correlationID] = true
	}
	h.mu.Unlock()
}

// broadcast delivers a message to every connection subscribed to the
// correlation id. Dead connections are dropped by their own read loops.
func (h *hub) broadcast(correlationID string, msg models.PushMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, set := range h.subs {
		if !set[correlationID] {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.WithField("correlation_id", correlationID).Warn("Push delivery failed: ", err)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The simulator serves local demos and tests only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades the connection and consumes subscribe messages until the
// client disconnects.
func (s *Service) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Push channel upgrade failed: ", err)
		return
	}

	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	for {
		var msg models.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == models.PushTypeSubscribe && msg.CheckoutRequestID != "" {
			s.hub.subscribe(conn, msg.CheckoutRequestID)
			log.WithField("correlation_id", msg.CheckoutRequestID).Debug("Push subscriber registered")
		}
	}
}
