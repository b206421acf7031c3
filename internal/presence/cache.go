package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/exam-proctor/backend/internal/models"
)

// Entry is what a live interaction writes to the cache.
type Entry struct {
	Status      models.StudentStatus
	LastSeen    time.Time
	IP          string
	DisplayName string
}

// Cache is the fast, TTL-bounded store of realtime presence.
// Each exam keeps a per-student record plus an online set scored by last-seen time.
type Cache interface {
	// Touch writes the record with a fresh TTL and scores the student in the online set.
	Touch(ctx context.Context, examID int64, studentID string, e Entry, ttl time.Duration) error
	// Get returns the record, or nil on a miss.
	Get(ctx context.Context, examID int64, studentID string) (*models.RealtimeStatus, error)
	// SetStatus overwrites the record status, refreshes its TTL and removes the
	// student from the online set.
	SetStatus(ctx context.Context, examID int64, studentID string, status models.StudentStatus, ttl time.Duration) error
	// LastSeen returns the student's online-set score; ok is false when not a member.
	LastSeen(ctx context.Context, examID int64, studentID string) (t time.Time, ok bool, err error)
	// SeenBefore returns online-set members whose score is strictly before cutoff.
	SeenBefore(ctx context.Context, examID int64, cutoff time.Time) ([]string, error)
	// OnlineMembers returns every member of the online set.
	OnlineMembers(ctx context.Context, examID int64) ([]string, error)
	// ClaimLogin atomically checks that no live session from another IP holds the
	// record (seen at or after staleBefore) and then writes e. Returns ErrOnlineElsewhere
	// when another session is live.
	ClaimLogin(ctx context.Context, examID int64, studentID string, e Entry, staleBefore time.Time, ttl time.Duration) error
}

// StudentKey is the per-student realtime record key.
func StudentKey(examID int64, studentID string) string {
	return fmt.Sprintf("exam:%d:student:%s", examID, studentID)
}

// OnlineSetKey is the per-exam sorted set of online students scored by last-seen unix ms.
func OnlineSetKey(examID int64) string {
	return fmt.Sprintf("exam:%d:online_students", examID)
}

// liveElsewhere reports whether an existing record blocks a login from ip.
func liveElsewhere(cur *models.RealtimeStatus, ip string, staleBefore time.Time) bool {
	if cur == nil || cur.Status != models.StudentStatusOnline {
		return false
	}
	if cur.IP == "" || cur.IP == ip {
		return false
	}
	return cur.LastSeen != nil && !cur.LastSeen.Before(staleBefore)
}
