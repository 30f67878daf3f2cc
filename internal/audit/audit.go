// Package audit records security-relevant events. Persistence is owned by a
// separate service; the sinks here never return errors to callers.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink receives audit records
type Sink interface {
	LogSuccess(ctx context.Context, action, entityType, entityID string, details map[string]interface{})
	LogFailure(ctx context.Context, action, entityType, entityID string, err error, details map[string]interface{})
}

// LogSink writes audit records through the global logger. A nil details map is fine.
type LogSink struct{}

// NewLogSink creates a LogSink
func NewLogSink() *LogSink { return &LogSink{} }

func (LogSink) LogSuccess(ctx context.Context, action, entityType, entityID string, details map[string]interface{}) {
	log.Info().
		Str("audit_action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Fields(details).
		Msg("audit")
}

func (LogSink) LogFailure(ctx context.Context, action, entityType, entityID string, err error, details map[string]interface{}) {
	log.Warn().
		Err(err).
		Str("audit_action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Fields(details).
		Msg("audit failure")
}

// Record is one captured audit event
type Record struct {
	Action     string
	EntityType string
	EntityID   string
	Success    bool
	Err        error
	Details    map[string]interface{}
	At         time.Time
}

// MemorySink keeps records in memory, for tests and local inspection
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) LogSuccess(ctx context.Context, action, entityType, entityID string, details map[string]interface{}) {
	m.add(Record{Action: action, EntityType: entityType, EntityID: entityID, Success: true, Details: details})
}

func (m *MemorySink) LogFailure(ctx context.Context, action, entityType, entityID string, err error, details map[string]interface{}) {
	m.add(Record{Action: action, EntityType: entityType, EntityID: entityID, Err: err, Details: details})
}

func (m *MemorySink) add(r Record) {
	r.At = time.Now()
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

// Records returns a copy of everything captured so far
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
