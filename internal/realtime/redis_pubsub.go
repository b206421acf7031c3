package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/models"
)

const (
	publishTimeout = 5 * time.Second

	// EventPresence is published on every durable presence transition.
	EventPresence = "presence"
	// EventEndTimeChanged is published when an administrator moves an exam's end.
	EventEndTimeChanged = "end_time_changed"
	// EventSnapshot carries the full student list to a newly connected monitor.
	EventSnapshot = "snapshot"
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// PresenceEvent is the payload of EventPresence.
type PresenceEvent struct {
	StudentID string               `json:"student_id"`
	Status    models.StudentStatus `json:"status"`
	At        time.Time            `json:"at"`
}

// EventsChannel is the per-exam pub/sub channel.
func EventsChannel(examID int64) string {
	return fmt.Sprintf("exam:%d:events", examID)
}

// EndTimeChangedKey holds the latest end time pushed to clients on heartbeat.
func EndTimeChangedKey(examID int64) string {
	return fmt.Sprintf("exam:%d:end_time_changed", examID)
}

// Broker publishes exam events through Redis and keeps the end-time change marker.
type Broker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewBroker creates a Redis pub/sub bridge for exam events.
func NewBroker(client *redis.Client, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, logger: logger}
}

// Publish sends an event to the exam's channel. Every instance, this one
// included, delivers it to its local monitors through SubscribeExam.
func (b *Broker) Publish(ctx context.Context, examID int64, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(redisPayload{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, EventsChannel(examID), body).Err()
}

// PresenceChanged publishes a presence event. Failures are logged; monitors
// recover on their next snapshot.
func (b *Broker) PresenceChanged(ctx context.Context, examID int64, studentID string, status models.StudentStatus, at time.Time) {
	err := b.Publish(ctx, examID, EventPresence, PresenceEvent{StudentID: studentID, Status: status, At: at})
	if err != nil {
		b.logger.Warn("publish presence event failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
	}
}

// EndTimeChanged records a new end time for clients to pick up on heartbeat
// and notifies monitors. The marker lives until ttl after the new end.
func (b *Broker) EndTimeChanged(ctx context.Context, examID int64, end time.Time, ttl time.Duration) error {
	value := end.UTC().Format(time.RFC3339)
	expire := time.Until(end) + ttl
	if expire < ttl {
		expire = ttl
	}
	if err := b.client.Set(ctx, EndTimeChangedKey(examID), value, expire).Err(); err != nil {
		return fmt.Errorf("set end time marker: %w", err)
	}
	if err := b.Publish(ctx, examID, EventEndTimeChanged, map[string]string{"end_time": value}); err != nil {
		b.logger.Warn("publish end time change failed", zap.Int64("exam_id", examID), zap.Error(err))
	}
	return nil
}

// ChangedEndTime returns the end time recorded by EndTimeChanged, if any.
func (b *Broker) ChangedEndTime(ctx context.Context, examID int64) (string, bool, error) {
	v, err := b.client.Get(ctx, EndTimeChangedKey(examID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// SubscribeExam subscribes to an exam's Redis channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (b *Broker) SubscribeExam(examID int64, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, EventsChannel(examID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
