package httpapi

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/answerdesk/answerdesk/internal/panel"
)

const subscriberBuffer = 16

// Hub fans panel events out to websocket subscribers. Publishing never
// blocks: a subscriber that cannot keep up has events dropped rather than
// stalling the request path.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan panel.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: map[chan panel.Event]struct{}{}}
}

func (h *Hub) Publish(event panel.Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) subscribe() (chan panel.Event, func()) {
	ch := make(chan panel.Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount reports the number of connected event subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	if h == nil {
		writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event feed closed")

	ch, cancel := h.subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-ch:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
