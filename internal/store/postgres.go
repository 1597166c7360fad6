package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	dsn  string
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_lead":     `SELECT ` + leadColumns + ` FROM leads WHERE lead_id = $1`,
	"due_retries":  `SELECT ` + retryColumns + ` FROM retry_entries WHERE NOT dead_letter AND next_attempt_at <= $1 ORDER BY next_attempt_at, message_id LIMIT $2`,
	"lead_history": `SELECT ` + interactionColumns + ` FROM interactions WHERE lead_id = $1 ORDER BY ts, seq LIMIT $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Statements reference tables that only exist after Migrate, so a
	// failed prepare is logged rather than fatal.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				zap.L().Debug("postgres: prepare skipped", zap.String("statement", name), zap.Error(err))
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, dsn: connString, now: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded migrations with golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	m, err := newMigrator(s.dsn)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate up")
	}
	return nil
}

// MigrateDown reverts every applied migration.
func (s *PostgresStore) MigrateDown(_ context.Context) error {
	m, err := newMigrator(s.dsn)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate down")
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func (s *PostgresStore) MigrationVersion(_ context.Context) (uint, bool, error) {
	m, err := newMigrator(s.dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close() //nolint:errcheck

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, eris.Wrap(err, "postgres: migration version")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	if dsn == "" {
		return nil, eris.New("postgres: migrate requires a connection string")
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: migration source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create migrator")
	}
	return m, nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the
// golang-migrate pgx driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Leads

func (s *PostgresStore) CreateLead(ctx context.Context, agg *model.LeadAggregate) (*model.LeadAggregate, error) {
	snapshot, err := json.Marshal(agg.CRMSnapshot)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal crm snapshot")
	}
	stage := agg.Stage
	if stage == "" {
		stage = model.StageCreated
	}
	now := s.now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO leads (lead_id, stage, crm_snapshot, last_error, version, created_at, updated_at)
		 VALUES ($1, $2, $3, '', 1, $4, $4)
		 ON CONFLICT (lead_id) DO NOTHING
		 RETURNING `+leadColumns,
		agg.LeadID, string(stage), snapshot, now,
	)
	created, err := scanPostgresLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrAlreadyExists, "postgres: lead %s", agg.LeadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create lead %s", agg.LeadID)
	}
	return created, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.LeadAggregate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE lead_id = $1`, leadID)
	agg, err := scanPostgresLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", leadID)
	}
	return agg, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.LeadAggregate, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Stages) > 0 {
		stages := make([]string, len(filter.Stages))
		for i, st := range filter.Stages {
			stages[i] = string(st)
		}
		args = append(args, stages)
		where = append(where, "stage = ANY($1)")
	}
	if !filter.UpdatedAfter.IsZero() {
		args = append(args, filter.UpdatedAfter.UTC())
		where = append(where, "updated_at >= "+postgresDialect.placeholder(len(args)))
	}
	if filter.Tracking {
		where = append(where,
			"COALESCE(delivery->>'gateway_message_id', '') <> ''",
			"delivery->>'sent_at' IS NOT NULL",
			"delivery->>'tracking_closed_at' IS NULL",
		)
	}
	if filter.AfterLeadID != "" {
		args = append(args, filter.AfterLeadID)
		where = append(where, "lead_id > "+postgresDialect.placeholder(len(args)))
	}
	order := "updated_at DESC, lead_id"
	if filter.Tracking || filter.AfterLeadID != "" {
		order = "lead_id"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ` + order + ` LIMIT ` + postgresDialect.placeholder(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.LeadAggregate
	for rows.Next() {
		agg, err := scanPostgresLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *agg)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, leadID string, expectedVersion int64, patch LeadPatch) (*model.LeadAggregate, error) {
	query, args, err := buildLeadUpdate(postgresDialect, leadID, expectedVersion, patch, s.now())
	if err != nil {
		return nil, err
	}
	agg, err := scanPostgresLead(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: update lead %s", leadID)
	}
	if _, getErr := s.GetLead(ctx, leadID); getErr != nil {
		return nil, getErr
	}
	return nil, eris.Wrapf(ErrConflict, "postgres: lead %s at version %d", leadID, expectedVersion)
}

// Retry entries

func (s *PostgresStore) EnqueueRetry(ctx context.Context, e *model.RetryEntry) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal retry payload")
	}
	now := s.now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO retry_entries
			(message_id, lead_id, payload, attempt_count, max_attempts, next_attempt_at, last_error, dead_letter, dead_lettered_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (message_id) DO NOTHING`,
		e.MessageID, e.LeadID, payload, e.AttemptCount, e.MaxAttempts,
		e.NextAttemptAt.UTC(), e.LastError, e.DeadLetter, e.DeadLetteredAt, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue retry %s", e.MessageID)
	}
	created := tag.RowsAffected() > 0
	if created {
		e.CreatedAt, e.UpdatedAt = now, now
	}
	return created, nil
}

func (s *PostgresStore) GetRetry(ctx context.Context, messageID string) (*model.RetryEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+retryColumns+` FROM retry_entries WHERE message_id = $1`, messageID)
	e, err := scanPostgresRetry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: retry %s", messageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get retry %s", messageID)
	}
	return e, nil
}

func (s *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRetries(ctx,
		`SELECT `+retryColumns+` FROM retry_entries
		 WHERE NOT dead_letter AND next_attempt_at <= $1
		 ORDER BY next_attempt_at, message_id
		 LIMIT $2`,
		now.UTC(), limit,
	)
}

func (s *PostgresStore) UpdateRetry(ctx context.Context, e *model.RetryEntry) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_entries
		 SET attempt_count = $1, max_attempts = $2, next_attempt_at = $3, last_error = $4,
		     dead_letter = $5, dead_lettered_at = $6, updated_at = $7
		 WHERE message_id = $8`,
		e.AttemptCount, e.MaxAttempts, e.NextAttemptAt.UTC(), e.LastError,
		e.DeadLetter, e.DeadLetteredAt, now, e.MessageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update retry %s", e.MessageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: retry %s", e.MessageID)
	}
	e.UpdatedAt = now
	return nil
}

// DeleteRetry removes a live entry. Dead letters are retained.
func (s *PostgresStore) DeleteRetry(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM retry_entries WHERE message_id = $1 AND NOT dead_letter`, messageID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete retry %s", messageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: retry %s", messageID)
	}
	return nil
}

func (s *PostgresStore) ListRetries(ctx context.Context, filter RetryFilter) ([]model.RetryEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.LeadID != "" {
		args = append(args, filter.LeadID)
		where = append(where, "lead_id = $1")
	}
	if filter.DeadLetter != nil {
		args = append(args, *filter.DeadLetter)
		where = append(where, "dead_letter = "+postgresDialect.placeholder(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + retryColumns + ` FROM retry_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY next_attempt_at, message_id LIMIT ` + postgresDialect.placeholder(len(args))
	return s.queryRetries(ctx, query, args...)
}

func (s *PostgresStore) CountRetries(ctx context.Context, deadLetter bool) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM retry_entries WHERE dead_letter = $1`, deadLetter,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count retries")
}

func (s *PostgresStore) queryRetries(ctx context.Context, query string, args ...any) ([]model.RetryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query retries")
	}
	defer rows.Close()

	var entries []model.RetryEntry
	for rows.Next() {
		e, err := scanPostgresRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: query retries iterate")
}

// Interactions

func (s *PostgresStore) AppendInteraction(ctx context.Context, rec *model.InteractionRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal interaction details")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO interactions (interaction_id, lead_id, type, ts, status_before, status_after, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.InteractionID, rec.LeadID, string(rec.Type), rec.Timestamp.UTC(),
		string(rec.StatusBefore), string(rec.StatusAfter), details,
	)
	return eris.Wrapf(err, "postgres: append interaction %s", rec.InteractionID)
}

func (s *PostgresStore) InteractionsByLead(ctx context.Context, leadID string, limit int) ([]model.InteractionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryInteractions(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE lead_id = $1 ORDER BY ts, seq LIMIT $2`,
		leadID, limit,
	)
}

func (s *PostgresStore) InteractionsSince(ctx context.Context, since time.Time) ([]model.InteractionRecord, error) {
	return s.queryInteractions(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE ts >= $1 ORDER BY ts, seq`,
		since.UTC(),
	)
}

func (s *PostgresStore) queryInteractions(ctx context.Context, query string, args ...any) ([]model.InteractionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query interactions")
	}
	defer rows.Close()

	var recs []model.InteractionRecord
	for rows.Next() {
		var rec model.InteractionRecord
		var typ, before, after string
		var details []byte
		if err := rows.Scan(&rec.InteractionID, &rec.LeadID, &typ, &rec.Timestamp,
			&before, &after, &details); err != nil {
			return nil, eris.Wrap(err, "postgres: scan interaction")
		}
		rec.Type = model.InteractionType(typ)
		rec.StatusBefore = model.Stage(before)
		rec.StatusAfter = model.Stage(after)
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal interaction details")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: query interactions iterate")
}

// helpers

func scanPostgresLead(row pgx.Row) (*model.LeadAggregate, error) {
	var r leadRow
	if err := row.Scan(&r.LeadID, &r.Stage, &r.Snapshot, &r.Research, &r.Message, &r.Delivery,
		&r.LastError, &r.LockHolder, &r.LockAcquiredAt, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.aggregate()
}

func scanPostgresRetry(row pgx.Row) (*model.RetryEntry, error) {
	var e model.RetryEntry
	var payload []byte
	if err := row.Scan(&e.MessageID, &e.LeadID, &payload, &e.AttemptCount, &e.MaxAttempts,
		&e.NextAttemptAt, &e.LastError, &e.DeadLetter, &e.DeadLetteredAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal retry payload")
	}
	return &e, nil
}
