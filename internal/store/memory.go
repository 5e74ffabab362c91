package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"qrattend/internal/attendance"
)

type holderKey struct {
	sessionID string
	studentID string
}

// Memory is an in-process attendance.Store for dev and tests. A single
// mutex makes every conditional write atomic.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]attendance.Session
	creds    map[string]attendance.Credential
	holders  map[holderKey]string
	records  map[string][]attendance.Record
}

var _ attendance.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]attendance.Session),
		creds:    make(map[string]attendance.Credential),
		holders:  make(map[holderKey]string),
		records:  make(map[string][]attendance.Record),
	}
}

func (m *Memory) CreateSession(ctx context.Context, s attendance.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	if err := ctx.Err(); err != nil {
		return attendance.Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return attendance.Session{}, attendance.ErrNoSession
	}
	return s, nil
}

func (m *Memory) SetSessionActive(ctx context.Context, id string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return attendance.ErrNoSession
	}
	s.Active = active
	m.sessions[id] = s
	return nil
}

func (m *Memory) InsertCredential(ctx context.Context, c attendance.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[c.Token]; ok {
		return attendance.ErrDuplicateToken
	}
	key := holderKey{c.SessionID, c.StudentID}
	if c.State == attendance.StateValid {
		if _, ok := m.holders[key]; ok {
			return attendance.ErrHolderExists
		}
		m.holders[key] = c.Token
	}
	m.creds[c.Token] = c
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, token string) (attendance.Credential, error) {
	if err := ctx.Err(); err != nil {
		return attendance.Credential{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[token]
	if !ok {
		return attendance.Credential{}, attendance.ErrNoCredential
	}
	return c, nil
}

func (m *Memory) HeldCredential(ctx context.Context, sessionID, studentID string) (attendance.Credential, error) {
	if err := ctx.Err(); err != nil {
		return attendance.Credential{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.holders[holderKey{sessionID, studentID}]
	if !ok {
		return attendance.Credential{}, attendance.ErrNoCredential
	}
	return m.creds[token], nil
}

func (m *Memory) CompareAndSwapState(ctx context.Context, token string, from, to attendance.State, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapLocked(token, from, to, at), nil
}

func (m *Memory) swapLocked(token string, from, to attendance.State, at time.Time) bool {
	c, ok := m.creds[token]
	if !ok || c.State != from {
		return false
	}
	c.State = to
	if to == attendance.StateUsed {
		usedAt := at.UTC()
		c.UsedAt = &usedAt
	}
	m.creds[token] = c
	if from == attendance.StateValid {
		delete(m.holders, holderKey{c.SessionID, c.StudentID})
	}
	return true
}

func (m *Memory) Consume(ctx context.Context, token string, rec attendance.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.swapLocked(token, attendance.StateValid, attendance.StateUsed, rec.Timestamp) {
		return false, nil
	}
	m.records[rec.SessionID] = append(m.records[rec.SessionID], rec)
	return true, nil
}

func (m *Memory) ListExpirable(ctx context.Context, now time.Time, limit int) ([]attendance.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.Credential
	for _, c := range m.creds {
		if c.State == attendance.StateValid && c.ExpiresAt.Before(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, c := range m.creds {
		if c.State.Terminal() && c.ExpiresAt.Before(before) {
			delete(m.creds, token)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[sessionID]
	out := make([]attendance.Record, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
