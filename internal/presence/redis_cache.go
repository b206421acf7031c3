package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exam-proctor/backend/internal/models"
)

const (
	fieldStatus      = "status"
	fieldLastSeen    = "last_seen"
	fieldIP          = "ip"
	fieldDisplayName = "display_name"

	claimRetries = 5
)

// RedisCache implements Cache on Redis hashes and sorted sets.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache returns a Redis-backed presence cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func entryFields(e Entry) map[string]interface{} {
	return map[string]interface{}{
		fieldStatus:      string(e.Status),
		fieldLastSeen:    e.LastSeen.UTC().Format(time.RFC3339Nano),
		fieldIP:          e.IP,
		fieldDisplayName: e.DisplayName,
	}
}

// Touch implements Cache.
func (c *RedisCache) Touch(ctx context.Context, examID int64, studentID string, e Entry, ttl time.Duration) error {
	key := StudentKey(examID, studentID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, entryFields(e))
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, OnlineSetKey(examID), redis.Z{Score: float64(e.LastSeen.UnixMilli()), Member: studentID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	return nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, examID int64, studentID string) (*models.RealtimeStatus, error) {
	return c.get(ctx, c.client, StudentKey(examID, studentID))
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (c *RedisCache) get(ctx context.Context, cmd hashReader, key string) (*models.RealtimeStatus, error) {
	vals, err := cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(vals) == 0 || vals[fieldStatus] == "" {
		return nil, nil
	}
	st := &models.RealtimeStatus{
		Status:      models.StudentStatus(vals[fieldStatus]),
		IP:          vals[fieldIP],
		DisplayName: vals[fieldDisplayName],
	}
	if raw := vals[fieldLastSeen]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.LastSeen = &t
		}
	}
	return st, nil
}

// SetStatus implements Cache.
func (c *RedisCache) SetStatus(ctx context.Context, examID int64, studentID string, status models.StudentStatus, ttl time.Duration) error {
	key := StudentKey(examID, studentID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, string(status))
		pipe.Expire(ctx, key, ttl)
		pipe.ZRem(ctx, OnlineSetKey(examID), studentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

// LastSeen implements Cache.
func (c *RedisCache) LastSeen(ctx context.Context, examID int64, studentID string) (time.Time, bool, error) {
	score, err := c.client.ZScore(ctx, OnlineSetKey(examID), studentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("zscore: %w", err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// SeenBefore implements Cache with an exclusive upper bound.
func (c *RedisCache) SeenBefore(ctx context.Context, examID int64, cutoff time.Time) ([]string, error) {
	members, err := c.client.ZRangeByScore(ctx, OnlineSetKey(examID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	return members, nil
}

// OnlineMembers implements Cache.
func (c *RedisCache) OnlineMembers(ctx context.Context, examID int64) ([]string, error) {
	members, err := c.client.ZRange(ctx, OnlineSetKey(examID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	return members, nil
}

// ClaimLogin implements Cache using WATCH/MULTI/EXEC, retrying when another
// writer touched the record between the read and the commit.
func (c *RedisCache) ClaimLogin(ctx context.Context, examID int64, studentID string, e Entry, staleBefore time.Time, ttl time.Duration) error {
	key := StudentKey(examID, studentID)
	txf := func(tx *redis.Tx) error {
		cur, err := c.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if liveElsewhere(cur, e.IP, staleBefore) {
			return ErrOnlineElsewhere
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, entryFields(e))
			pipe.Expire(ctx, key, ttl)
			pipe.ZAdd(ctx, OnlineSetKey(examID), redis.Z{Score: float64(e.LastSeen.UnixMilli()), Member: studentID})
			return nil
		})
		return err
	}
	for i := 0; i < claimRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrOnlineElsewhere) {
			return fmt.Errorf("claim login %s: %w", key, err)
		}
		return err
	}
	return fmt.Errorf("claim login %s: too much contention", key)
}
