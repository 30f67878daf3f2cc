package oci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/rs/zerolog/log"
)

// SessionTTL is how long an idle upload session is kept
const SessionTTL = 24 * time.Hour

// Session is a chunked upload in progress. Buffer holds the bytes received so
// far and is base64 encoded when serialized.
type Session struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Repository   string    `json:"repository"`
	Image        string    `json:"image"`
	Buffer       []byte    `json:"buffer"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// View returns the externally visible state of the session
func (s *Session) View() *registry.UploadSession {
	return &registry.UploadSession{
		ID:         s.ID,
		Repository: s.Repository,
		Image:      s.Image,
		Offset:     int64(len(s.Buffer)),
		StartedAt:  s.StartedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// SessionStore persists upload sessions between requests. Get returns an
// error wrapping registry.ErrUploadUnknown for missing or expired sessions.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

func unknownSession(id string) error {
	return fmt.Errorf("upload %s: %w", id, registry.ErrUploadUnknown)
}

// RedisSessionStore keeps sessions in Redis so any instance can continue an
// upload. Expiry is left to the key TTL, refreshed on every save.
type RedisSessionStore struct {
	cache *common.Cache
	ttl   time.Duration
}

// NewRedisSessionStore creates a store over cache
func NewRedisSessionStore(cache *common.Cache) *RedisSessionStore {
	return &RedisSessionStore{cache: cache, ttl: SessionTTL}
}

func sessionKey(id string) string { return "oci:upload:" + id }

func (r *RedisSessionStore) Save(ctx context.Context, s *Session) error {
	if err := r.cache.Set(ctx, sessionKey(s.ID), s, r.ttl); err != nil {
		return fmt.Errorf("failed to save upload session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.cache.Get(ctx, sessionKey(id), &s); err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return nil, unknownSession(id)
		}
		return nil, fmt.Errorf("failed to load upload session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.cache.Delete(ctx, sessionKey(id))
}

// MemorySessionStore keeps sessions in process. Sweep drops sessions idle for
// longer than the TTL.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemorySessionStore creates an empty in-process store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session), ttl: SessionTTL, now: time.Now}
}

func (m *MemorySessionStore) Save(ctx context.Context, s *Session) error {
	stored := *s
	stored.Buffer = append([]byte(nil), s.Buffer...)

	m.mu.Lock()
	m.sessions[s.ID] = &stored
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.expired(s) {
		return nil, unknownSession(id)
	}
	out := *s
	out.Buffer = append([]byte(nil), s.Buffer...)
	return &out, nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) expired(s *Session) bool {
	return s.UpdatedAt.Before(m.now().Add(-m.ttl))
}

// Sweep removes expired sessions and returns how many were dropped
func (m *MemorySessionStore) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
			removed++
			log.Info().Str("session_id", id).Str("repository", s.Repository).Msg("expired upload session removed")
		}
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("cleaned up expired upload sessions")
	}
	return removed
}
