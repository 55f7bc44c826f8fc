package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	clock engine.Clock
}

var (
	_ Store            = (*SQLiteStore)(nil)
	_ engine.AuditSink = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`

	// Actor is written to audit rows. Defaults to Owner().
	Actor string `yaml:"-" json:"-"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.Actor == "" {
		cfg.Actor = Owner()
	}

	return &SQLiteStore{cfg: cfg, clock: engine.SystemClock{}}, nil
}

// WithClock replaces the clock used for audit timestamps and lease expiry.
func (s *SQLiteStore) WithClock(c engine.Clock) *SQLiteStore {
	s.clock = c
	return s
}

// Init opens the database. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	dsn := s.cfg.Path + "?_txlock=immediate"
	for _, p := range pragmas {
		dsn += "&_pragma=" + p
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordDeployment journals a finished deployment. Recording the same id
// twice replaces the earlier row.
func (s *SQLiteStore) RecordDeployment(ctx context.Context, res *engine.DeploymentResult) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}

	query := `
		INSERT INTO deployments (id, identity_key, project, environment, stack_name, state, succeeded,
			reason, category, final_status, content_hash, recovery_count, started_at, duration_ms, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			succeeded = excluded.succeeded,
			reason = excluded.reason,
			category = excluded.category,
			final_status = excluded.final_status,
			recovery_count = excluded.recovery_count,
			duration_ms = excluded.duration_ms,
			result = excluded.result
	`

	_, err = s.db.ExecContext(ctx, query,
		res.ID,
		res.Identity.Key(),
		res.Identity.Project,
		res.Identity.Environment,
		res.Identity.Name,
		string(res.State),
		res.Succeeded,
		string(res.Reason),
		string(res.Category),
		string(res.FinalStatus),
		res.ContentHash,
		res.RecoveryCount,
		res.StartedAt.UnixMilli(),
		res.DurationMs,
		string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

// GetDeployment returns a journaled deployment by id.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.DeploymentResult, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM deployments WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment not found", err).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return decodeResult(blob)
}

// LatestDeployment returns the most recent deployment of an identity.
func (s *SQLiteStore) LatestDeployment(ctx context.Context, identityKey string) (*engine.DeploymentResult, error) {
	query := `
		SELECT result FROM deployments
		WHERE identity_key = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`
	var blob string
	err := s.db.QueryRowContext(ctx, query, identityKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("no deployments recorded", err).WithResource(identityKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest deployment: %w", err)
	}
	return decodeResult(blob)
}

func decodeResult(blob string) (*engine.DeploymentResult, error) {
	res := &engine.DeploymentResult{}
	if err := json.Unmarshal([]byte(blob), res); err != nil {
		return nil, fmt.Errorf("failed to decode deployment: %w", err)
	}
	return res, nil
}

// ListDeployments lists deployment summaries, newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*DeploymentRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var key any
	if filter.IdentityKey != "" {
		key = filter.IdentityKey
	}

	query := `
		SELECT id, identity_key, project, environment, stack_name, state, succeeded, reason, category,
			final_status, content_hash, recovery_count, started_at, duration_ms
		FROM deployments
		WHERE (? IS NULL OR identity_key = ?)
		  AND (? = 0 OR succeeded = 0)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, key, key, filter.FailedOnly, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	records := []*DeploymentRecord{}
	for rows.Next() {
		r := &DeploymentRecord{}
		var startedAt int64
		err := rows.Scan(
			&r.ID,
			&r.IdentityKey,
			&r.Project,
			&r.Environment,
			&r.StackName,
			&r.State,
			&r.Succeeded,
			&r.Reason,
			&r.Category,
			&r.FinalStatus,
			&r.ContentHash,
			&r.RecoveryCount,
			&startedAt,
			&r.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedAt).UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return records, nil
}

// PruneDeployments keeps the newest keep rows per identity and deletes the rest.
func (s *SQLiteStore) PruneDeployments(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		return 0, engine.NewValidationError("keep must be at least 1", nil)
	}
	query := `
		DELETE FROM deployments WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY identity_key ORDER BY started_at DESC, rowid DESC) AS n
				FROM deployments
			) WHERE n > ?
		)
	`
	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deployments: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// RecordMutation implements engine.AuditSink.
func (s *SQLiteStore) RecordMutation(ctx context.Context, identity naming.Identity, m engine.Mutation) error {
	at := m.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	query := `
		INSERT INTO audit (identity_key, stack_name, kind, target, detail, error, actor, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		identity.Key(),
		identity.Name,
		m.Kind,
		m.Target,
		m.Detail,
		m.Error,
		s.cfg.Actor,
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	return nil
}

// ListAudit lists recorded mutations, newest first. An empty key lists all identities.
func (s *SQLiteStore) ListAudit(ctx context.Context, identityKey string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var key any
	if identityKey != "" {
		key = identityKey
	}

	query := `
		SELECT id, identity_key, stack_name, kind, target, detail, error, actor, at
		FROM audit
		WHERE (? IS NULL OR identity_key = ?)
		ORDER BY at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, key, key, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		e := &AuditEntry{}
		var at int64
		err := rows.Scan(
			&e.ID,
			&e.IdentityKey,
			&e.StackName,
			&e.Kind,
			&e.Target,
			&e.Detail,
			&e.Error,
			&e.Actor,
			&at,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Owner identifies this process as user@host:pid.
func Owner() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if name == "" {
		name = "unknown"
	}
	// Windows usernames carry the domain.
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s:%d", name, host, os.Getpid())
}
