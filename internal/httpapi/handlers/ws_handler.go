package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/events"
)

// WSHub fans out invoice lifecycle events to every open connection
// subscribed to a given invoice ID — the embeddable payment widget
// watches exactly one invoice, a merchant dashboard may watch many.
type WSHub struct {
	subscriber events.Subscriber
	log        *zap.Logger

	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

// Start subscribes to the invoice event stream; call once at startup.
func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.StreamInvoices, h.broadcast)
}

// broadcast fans an event out only to connections watching its
// invoice — InvoiceID is threaded through every invoice.* event's
// payload by the store layer that publishes them.
func (h *WSHub) broadcast(event events.Event) {
	invoiceID, ok := event.Payload["invoice_id"].(string)
	if !ok {
		return
	}
	id, err := uuid.Parse(invoiceID)
	if err != nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections[id] {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleWS registers a connection against the invoice ID given in the
// query string. No auth is required — an invoice ID and its events
// carry no information a holder of the ID could not already observe
// on-chain once confirmed — but a missing or malformed ID is rejected.
func (h *WSHub) HandleWS(conn *websocket.Conn) {
	invoiceID := conn.Query("invoice_id")
	id, err := uuid.Parse(invoiceID)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing or invalid invoice_id"}`))
		conn.Close()
		return
	}

	h.mu.Lock()
	h.connections[id] = append(h.connections[id], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[id]
		for i, c := range conns {
			if c == conn {
				h.connections[id] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[id]) == 0 {
			delete(h.connections, id)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
