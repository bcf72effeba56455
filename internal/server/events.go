package server

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperjump/douki/internal/gateway"
	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/internal/store"
	"go.uber.org/zap"
)

// Hub fans state changes out to every connected event-feed client. A slow
// client that cannot keep up has its oldest pending event dropped rather
// than blocking the store's notification path.
type Hub struct {
	mu      sync.Mutex
	clients map[string]chan []byte
	logger  *zap.Logger // optional; when set, logs debug events
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan []byte),
		logger:  logger,
	}
}

// BindStore subscribes the hub to both collections so every change becomes
// an event.
func (h *Hub) BindStore(st *store.Store) {
	st.SubscribeAssets(func(assets []models.Asset) {
		h.Broadcast("assets", assets)
	})
	st.SubscribeChats(func(chats []models.ChatSession) {
		h.Broadcast("chats", chats)
	})
}

// JumpHandler returns a callback for the gateway that publishes evidence
// jumps on the feed.
func (h *Hub) JumpHandler() func(gateway.Jump) {
	return func(j gateway.Jump) {
		h.Broadcast("jump", j)
	}
}

// Broadcast sends one event to every connected client.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(map[string]any{"type": eventType, "data": payload})
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("event marshal failed", zap.String("type", eventType), zap.Error(err))
		}
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- data:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
			if h.logger != nil {
				h.logger.Debug("event dropped for slow client", zap.String("client", id))
			}
		}
	}
}

func (h *Hub) subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Debug("event client connected", zap.String("client", id))
	}
	return id, ch
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Debug("event client disconnected", zap.String("client", id))
	}
}
