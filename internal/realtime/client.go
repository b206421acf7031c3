package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // monitors are authenticated by token, not origin
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator checks a monitor token and reports whether it grants access to examID.
type TokenValidator func(token string, examID int64) error

// SnapshotFunc returns the current student list of an exam for a newly connected monitor.
type SnapshotFunc func(ctx context.Context, examID int64) (interface{}, error)

// Client represents a single monitor WebSocket connection.
type Client struct {
	ID     string
	ExamID int64
	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
// Query: ?exam_id=&token=
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, snapshot SnapshotFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		examIDStr := c.Query("exam_id")
		token := c.Query("token")
		if examIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exam_id and token required"})
			return
		}
		examID, err := strconv.ParseInt(examIDStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam_id"})
			return
		}
		if err := validate(token, examID); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			ExamID: examID,
			hub:    hub,
			conn:   conn,
			send:   make(chan WSMessage, 256),
			logger: logger,
		}
		hub.Register(client)
		go client.writePump()
		client.sendSnapshot(c.Request.Context(), snapshot)
		client.readPump(snapshot)
	}
}

func (c *Client) sendSnapshot(ctx context.Context, snapshot SnapshotFunc) {
	if snapshot == nil {
		return
	}
	data, err := snapshot(ctx, c.ExamID)
	if err != nil {
		c.logger.Warn("monitor snapshot failed", zap.Int64("exam_id", c.ExamID), zap.Error(err))
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.exams[c.ExamID][c.ID]; !ok {
		return
	}
	select {
	case c.send <- WSMessage{Event: EventSnapshot, Data: raw}:
	default:
	}
}

func (c *Client) readPump(snapshot SnapshotFunc) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "refresh":
			c.sendSnapshot(context.Background(), snapshot)
		default:
			// monitors are read-only
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
