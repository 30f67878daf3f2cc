package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/cairn/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// advisoryLockID serialises migrators started by several replicas at once
const advisoryLockID int64 = 7300

// Migration is one versioned schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Status reports whether a migration has been applied
type Status struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

// Load reads <version>_<name>.sql files from dir. Files that do not follow
// the naming scheme are skipped; two files with one version are an error.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid migration file")
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		up, down := split(string(content))
		migrations = append(migrations, Migration{Version: version, Name: name, UpSQL: up, DownSQL: down})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// parseFilename splits "001_initial_schema.sql" into 1 and "initial_schema"
func parseFilename(filename string) (int, string, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || rest == "" {
		return 0, "", fmt.Errorf("invalid migration filename format: %s", filename)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid migration version in %s", filename)
	}
	return version, rest, nil
}

// split separates the "-- +migrate Up" and "-- +migrate Down" sections.
// Statements before any marker belong to Up.
func split(content string) (string, string) {
	var up, down []string
	inDown := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			inDown = false
			continue
		case "-- +migrate Down":
			inDown = true
			continue
		}
		if inDown {
			down = append(down, line)
		} else {
			up = append(up, line)
		}
	}
	return strings.TrimSpace(strings.Join(up, "\n")), strings.TrimSpace(strings.Join(down, "\n"))
}

// Pending returns the migrations whose versions are not in applied
func Pending(migrations []Migration, applied map[int]time.Time) []Migration {
	var out []Migration
	for _, m := range migrations {
		if _, ok := applied[m.Version]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Migrator applies migrations to a PostgreSQL database
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator connects to the configured database and loads migrations
func NewMigrator(ctx context.Context, cfg *config.DatabaseConfig, fsys fs.FS, dir string) (*Migrator, error) {
	migrations, err := Load(fsys, dir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		out[version] = at
	}
	return out, rows.Err()
}

// locked runs fn on one connection holding the migration advisory lock
func (m *Migrator) locked(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			log.Warn().Err(err).Msg("failed to release migration lock")
		}
	}()

	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	return fn(ctx, conn)
}

// Up runs all pending migrations in version order
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context, conn *sql.Conn) error {
		applied, err := m.applied(ctx)
		if err != nil {
			return err
		}
		pending := Pending(m.migrations, applied)
		if len(pending) == 0 {
			log.Info().Msg("no pending migrations")
			return nil
		}

		log.Info().Int("count", len(pending)).Msg("running pending migrations")
		for _, migration := range pending {
			err := run(ctx, conn, migration.UpSQL,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", migration.Version, migration.Name)
			if err != nil {
				return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
			}
			log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context, conn *sql.Conn) error {
		applied, err := m.applied(ctx)
		if err != nil {
			return err
		}
		last := 0
		for v := range applied {
			if v > last {
				last = v
			}
		}
		if last == 0 {
			log.Info().Msg("no migrations to roll back")
			return nil
		}

		var target *Migration
		for i := range m.migrations {
			if m.migrations[i].Version == last {
				target = &m.migrations[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("migration file for version %d not found", last)
		}
		if target.DownSQL == "" {
			return fmt.Errorf("migration %d (%s) has no down section", target.Version, target.Name)
		}

		err = run(ctx, conn, target.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", target.Version)
		if err != nil {
			return fmt.Errorf("failed to roll back migration %d (%s): %w", target.Version, target.Name, err)
		}
		log.Info().Int("version", target.Version).Str("name", target.Name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every known migration with its applied time
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(m.migrations))
	for _, migration := range m.migrations {
		s := Status{Version: migration.Version, Name: migration.Name}
		if at, ok := applied[migration.Version]; ok {
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

// run executes body and the bookkeeping statement in one transaction
func run(ctx context.Context, conn *sql.Conn, body, record string, args ...interface{}) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}
