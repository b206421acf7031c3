package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains exam_id -> set of monitor connections and broadcasts messages.
// Events from any instance arrive through Redis pub/sub and are delivered to local clients.
type Hub struct {
	// examID -> map[clientID]*Client
	exams    map[int64]map[string]*Client
	subs     map[int64]func() // cancel Redis subscription per exam
	mu       sync.RWMutex
	logger   *zap.Logger
	redisSub RedisSubscriber
}

// RedisSubscriber subscribes to exam channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeExam(examID int64, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		exams:    make(map[int64]map[string]*Client),
		subs:     make(map[int64]func()),
		logger:   logger,
		redisSub: redisSub,
	}
}

// Register adds a client to an exam room. Starts the Redis subscription for this exam if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.exams[c.ExamID] == nil {
		h.exams[c.ExamID] = make(map[string]*Client)
		if h.redisSub != nil {
			examID := c.ExamID
			cancel, err := h.redisSub.SubscribeExam(examID, func(event string, payload []byte) {
				h.BroadcastToExam(examID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[examID] = cancel
			} else {
				h.logger.Warn("exam subscription failed", zap.Int64("exam_id", examID), zap.Error(err))
			}
		}
	}
	h.exams[c.ExamID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("monitor joined exam", zap.String("client_id", c.ID), zap.Int64("exam_id", c.ExamID))
}

// Unregister removes a client from an exam room. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.exams[c.ExamID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.exams, c.ExamID)
			if cancel, ok := h.subs[c.ExamID]; ok {
				cancel()
				delete(h.subs, c.ExamID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("monitor left exam", zap.String("client_id", c.ID), zap.Int64("exam_id", c.ExamID))
}

// BroadcastToExam sends a message to all local clients watching an exam.
func (h *Hub) BroadcastToExam(examID int64, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.exams[examID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// MonitorCount returns the number of connected monitors for an exam.
func (h *Hub) MonitorCount(examID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.exams[examID])
}

// Close cancels every Redis subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cancel := range h.subs {
		cancel()
		delete(h.subs, id)
	}
}
