package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/models"
)

type memRecord struct {
	status    models.RealtimeStatus
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-node development and tests.
type MemoryCache struct {
	clk     clock.Clock
	mu      sync.Mutex
	records map[string]*memRecord
	online  map[int64]map[string]time.Time
}

// NewMemoryCache returns an empty MemoryCache whose TTLs follow clk.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCache{
		clk:     clk,
		records: make(map[string]*memRecord),
		online:  make(map[int64]map[string]time.Time),
	}
}

func (m *MemoryCache) lookup(key string) *memRecord {
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	if !m.clk.Now().Before(rec.expiresAt) {
		delete(m.records, key)
		return nil
	}
	return rec
}

func (m *MemoryCache) write(examID int64, studentID string, e Entry, ttl time.Duration) {
	seen := e.LastSeen
	m.records[StudentKey(examID, studentID)] = &memRecord{
		status: models.RealtimeStatus{
			Status:      e.Status,
			LastSeen:    &seen,
			IP:          e.IP,
			DisplayName: e.DisplayName,
		},
		expiresAt: m.clk.Now().Add(ttl),
	}
	set, ok := m.online[examID]
	if !ok {
		set = make(map[string]time.Time)
		m.online[examID] = set
	}
	set[studentID] = e.LastSeen
}

// Touch implements Cache.
func (m *MemoryCache) Touch(_ context.Context, examID int64, studentID string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(examID, studentID, e, ttl)
	return nil
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, examID int64, studentID string) (*models.RealtimeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.lookup(StudentKey(examID, studentID))
	if rec == nil {
		return nil, nil
	}
	st := rec.status
	return &st, nil
}

// SetStatus implements Cache.
func (m *MemoryCache) SetStatus(_ context.Context, examID int64, studentID string, status models.StudentStatus, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := StudentKey(examID, studentID)
	rec := m.lookup(key)
	if rec == nil {
		rec = &memRecord{}
		m.records[key] = rec
	}
	rec.status.Status = status
	rec.expiresAt = m.clk.Now().Add(ttl)
	delete(m.online[examID], studentID)
	return nil
}

// LastSeen implements Cache.
func (m *MemoryCache) LastSeen(_ context.Context, examID int64, studentID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.online[examID][studentID]
	return t, ok, nil
}

// SeenBefore implements Cache.
func (m *MemoryCache) SeenBefore(_ context.Context, examID int64, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.online[examID] {
		if t.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// OnlineMembers implements Cache.
func (m *MemoryCache) OnlineMembers(_ context.Context, examID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.online[examID]))
	for id := range m.online[examID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ClaimLogin implements Cache.
func (m *MemoryCache) ClaimLogin(_ context.Context, examID int64, studentID string, e Entry, staleBefore time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.lookup(StudentKey(examID, studentID)); rec != nil && liveElsewhere(&rec.status, e.IP, staleBefore) {
		return ErrOnlineElsewhere
	}
	m.write(examID, studentID, e, ttl)
	return nil
}
