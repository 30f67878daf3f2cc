package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Well-known leader lock ids
const (
	LeaderProxyCacheSchedule int64 = 7301
	LeaderJobMaintenance     int64 = 7302
	LeaderSessionSweep       int64 = 7303
	LeaderUpstreamPing       int64 = 7304
)

// Elector runs fn only on the instance holding lockID
type Elector interface {
	// RunIfLeader reports whether fn ran. Not being leader is not an error.
	RunIfLeader(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error)
}

// PostgresElector elects through session-level advisory locks held on a
// dedicated pooled connection for the duration of fn.
type PostgresElector struct {
	db *gorm.DB
}

// NewPostgresElector creates a PostgresElector
func NewPostgresElector(db *gorm.DB) *PostgresElector {
	return &PostgresElector{db: db}
}

func (e *PostgresElector) RunIfLeader(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error) {
	sqlDB, err := e.db.DB()
	if err != nil {
		return false, fmt.Errorf("failed to get sql db: %w", err)
	}

	// advisory locks belong to a session, so lock and unlock must share a connection
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for leader election: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to try advisory lock %d: %w", lockID, err)
	}
	if !acquired {
		log.Debug().Int64("lock_id", lockID).Msg("not leader, skipping")
		return false, nil
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			log.Warn().Err(err).Int64("lock_id", lockID).Msg("failed to release advisory lock")
		}
	}()

	return true, fn(ctx)
}

// LocalElector elects within one process. Only suitable for single-instance deployments.
type LocalElector struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewLocalElector creates a LocalElector
func NewLocalElector() *LocalElector {
	return &LocalElector{locks: make(map[int64]*sync.Mutex)}
}

func (e *LocalElector) RunIfLeader(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error) {
	e.mu.Lock()
	m, ok := e.locks[lockID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[lockID] = m
	}
	e.mu.Unlock()

	if !m.TryLock() {
		return false, nil
	}
	defer m.Unlock()
	return true, fn(ctx)
}

// NewElector picks the advisory-lock elector on postgres and the local one otherwise
func NewElector(db *gorm.DB) Elector {
	if db != nil && db.Dialector.Name() == "postgres" {
		return NewPostgresElector(db)
	}
	return NewLocalElector()
}
