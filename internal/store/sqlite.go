package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection, so every statement is serialized by database/sql.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	lead_id          TEXT PRIMARY KEY,
	stage            TEXT NOT NULL,
	crm_snapshot     TEXT NOT NULL,
	research         TEXT,
	message          TEXT,
	delivery         TEXT,
	last_error       TEXT NOT NULL DEFAULT '',
	lock_holder      TEXT,
	lock_acquired_at TEXT,
	version          INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_stage ON leads(stage, updated_at);

CREATE TABLE IF NOT EXISTS retry_entries (
	message_id       TEXT PRIMARY KEY,
	lead_id          TEXT NOT NULL,
	payload          TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	next_attempt_at  TEXT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	dead_letter      INTEGER NOT NULL DEFAULT 0,
	dead_lettered_at TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_entries(dead_letter, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_retry_lead ON retry_entries(lead_id);

CREATE TABLE IF NOT EXISTS interactions (
	interaction_id TEXT PRIMARY KEY,
	lead_id        TEXT NOT NULL,
	type           TEXT NOT NULL,
	ts             TEXT NOT NULL,
	status_before  TEXT NOT NULL DEFAULT '',
	status_after   TEXT NOT NULL DEFAULT '',
	details        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interactions_lead_ts ON interactions(lead_id, ts);
CREATE INDEX IF NOT EXISTS idx_interactions_ts ON interactions(ts);

CREATE TRIGGER IF NOT EXISTS interactions_no_update BEFORE UPDATE ON interactions
BEGIN
	SELECT RAISE(ABORT, 'interactions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS interactions_no_delete BEFORE DELETE ON interactions
BEGIN
	SELECT RAISE(ABORT, 'interactions are append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Leads

func (s *SQLiteStore) CreateLead(ctx context.Context, agg *model.LeadAggregate) (*model.LeadAggregate, error) {
	snapshot, err := json.Marshal(agg.CRMSnapshot)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal crm snapshot")
	}
	now := s.now().UTC()
	stage := agg.Stage
	if stage == "" {
		stage = model.StageCreated
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (lead_id, stage, crm_snapshot, last_error, version, created_at, updated_at)
		 VALUES (?, ?, ?, '', 1, ?, ?)
		 ON CONFLICT(lead_id) DO NOTHING`,
		agg.LeadID, string(stage), string(snapshot), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert lead %s", agg.LeadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrAlreadyExists, "sqlite: lead %s", agg.LeadID)
	}
	return s.GetLead(ctx, agg.LeadID)
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.LeadAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE lead_id = ?`, leadID)
	agg, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s", leadID)
	}
	return agg, err
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.LeadAggregate, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	var args []any

	if len(filter.Stages) > 0 {
		marks := make([]string, len(filter.Stages))
		for i, st := range filter.Stages {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND stage IN (` + strings.Join(marks, ", ") + `)`
	}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, formatTime(filter.UpdatedAfter))
	}
	if filter.Tracking {
		query += ` AND COALESCE(json_extract(delivery, '$.gateway_message_id'), '') <> ''` +
			` AND json_extract(delivery, '$.sent_at') IS NOT NULL` +
			` AND json_extract(delivery, '$.tracking_closed_at') IS NULL`
	}
	if filter.AfterLeadID != "" {
		query += ` AND lead_id > ?`
		args = append(args, filter.AfterLeadID)
	}
	if filter.Tracking || filter.AfterLeadID != "" {
		query += ` ORDER BY lead_id`
	} else {
		query += ` ORDER BY updated_at DESC, lead_id`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.LeadAggregate
	for rows.Next() {
		agg, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *agg)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, leadID string, expectedVersion int64, patch LeadPatch) (*model.LeadAggregate, error) {
	query, args, err := buildLeadUpdate(sqliteDialect, leadID, expectedVersion, patch, s.now())
	if err != nil {
		return nil, err
	}
	agg, err := scanSQLiteLead(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: update lead %s", leadID)
	}
	if _, getErr := s.GetLead(ctx, leadID); getErr != nil {
		return nil, getErr
	}
	return nil, eris.Wrapf(ErrConflict, "sqlite: lead %s at version %d", leadID, expectedVersion)
}

// Retry entries

func (s *SQLiteStore) EnqueueRetry(ctx context.Context, e *model.RetryEntry) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal retry payload")
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_entries
			(message_id, lead_id, payload, attempt_count, max_attempts, next_attempt_at, last_error, dead_letter, dead_lettered_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		e.MessageID, e.LeadID, string(payload), e.AttemptCount, e.MaxAttempts,
		formatTime(e.NextAttemptAt), e.LastError, boolToInt(e.DeadLetter), nullTime(e.DeadLetteredAt),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue retry %s", e.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		e.CreatedAt, e.UpdatedAt = now, now
	}
	return n > 0, nil
}

const retryColumns = `message_id, lead_id, payload, attempt_count, max_attempts, next_attempt_at, last_error, dead_letter, dead_lettered_at, created_at, updated_at`

func (s *SQLiteStore) GetRetry(ctx context.Context, messageID string) (*model.RetryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_entries WHERE message_id = ?`, messageID)
	e, err := scanSQLiteRetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: retry %s", messageID)
	}
	return e, err
}

func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRetries(ctx,
		`SELECT `+retryColumns+` FROM retry_entries
		 WHERE dead_letter = 0 AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, message_id
		 LIMIT ?`,
		formatTime(now), limit,
	)
}

func (s *SQLiteStore) UpdateRetry(ctx context.Context, e *model.RetryEntry) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_entries
		 SET attempt_count = ?, max_attempts = ?, next_attempt_at = ?, last_error = ?,
		     dead_letter = ?, dead_lettered_at = ?, updated_at = ?
		 WHERE message_id = ?`,
		e.AttemptCount, e.MaxAttempts, formatTime(e.NextAttemptAt), e.LastError,
		boolToInt(e.DeadLetter), nullTime(e.DeadLetteredAt), formatTime(now),
		e.MessageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update retry %s", e.MessageID)
	}
	if err := checkRowsAffected(res, "retry", e.MessageID); err != nil {
		return err
	}
	e.UpdatedAt = now
	return nil
}

// DeleteRetry removes a live entry. Dead letters are retained.
func (s *SQLiteStore) DeleteRetry(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_entries WHERE message_id = ? AND dead_letter = 0`, messageID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete retry %s", messageID)
	}
	return checkRowsAffected(res, "retry", messageID)
}

func (s *SQLiteStore) ListRetries(ctx context.Context, filter RetryFilter) ([]model.RetryEntry, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_entries WHERE 1=1`
	var args []any
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.DeadLetter != nil {
		query += ` AND dead_letter = ?`
		args = append(args, boolToInt(*filter.DeadLetter))
	}
	query += ` ORDER BY next_attempt_at, message_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return s.queryRetries(ctx, query, args...)
}

func (s *SQLiteStore) CountRetries(ctx context.Context, deadLetter bool) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_entries WHERE dead_letter = ?`, boolToInt(deadLetter),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count retries")
}

func (s *SQLiteStore) queryRetries(ctx context.Context, query string, args ...any) ([]model.RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query retries")
	}
	defer rows.Close()

	var entries []model.RetryEntry
	for rows.Next() {
		e, err := scanSQLiteRetry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: query retries iterate")
}

// Interactions

func (s *SQLiteStore) AppendInteraction(ctx context.Context, rec *model.InteractionRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal interaction details")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (interaction_id, lead_id, type, ts, status_before, status_after, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.InteractionID, rec.LeadID, string(rec.Type), formatTime(rec.Timestamp),
		string(rec.StatusBefore), string(rec.StatusAfter), string(details),
	)
	return eris.Wrapf(err, "sqlite: append interaction %s", rec.InteractionID)
}

const interactionColumns = `interaction_id, lead_id, type, ts, status_before, status_after, details`

func (s *SQLiteStore) InteractionsByLead(ctx context.Context, leadID string, limit int) ([]model.InteractionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryInteractions(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE lead_id = ? ORDER BY ts, rowid LIMIT ?`,
		leadID, limit,
	)
}

func (s *SQLiteStore) InteractionsSince(ctx context.Context, since time.Time) ([]model.InteractionRecord, error) {
	return s.queryInteractions(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE ts >= ? ORDER BY ts, rowid`,
		formatTime(since),
	)
}

func (s *SQLiteStore) queryInteractions(ctx context.Context, query string, args ...any) ([]model.InteractionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query interactions")
	}
	defer rows.Close()

	var recs []model.InteractionRecord
	for rows.Next() {
		var rec model.InteractionRecord
		var ts, details string
		if err := rows.Scan(&rec.InteractionID, &rec.LeadID, &rec.Type, &ts,
			&rec.StatusBefore, &rec.StatusAfter, &details); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan interaction")
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal interaction details")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: query interactions iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row scannable) (*model.LeadAggregate, error) {
	var r leadRow
	var snapshot string
	var research, message, delivery, lockHolder, lockAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&r.LeadID, &r.Stage, &snapshot, &research, &message, &delivery,
		&r.LastError, &lockHolder, &lockAt, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	r.Snapshot = []byte(snapshot)
	r.Research = nullBytes(research)
	r.Message = nullBytes(message)
	r.Delivery = nullBytes(delivery)
	if lockHolder.Valid {
		r.LockHolder = &lockHolder.String
	}
	if lockAt.Valid {
		t, err := parseTime(lockAt.String)
		if err != nil {
			return nil, err
		}
		r.LockAcquiredAt = &t
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return r.aggregate()
}

func scanSQLiteRetry(row scannable) (*model.RetryEntry, error) {
	var e model.RetryEntry
	var payload, nextAt, createdAt, updatedAt string
	var deadLetter int
	var deadAt sql.NullString

	err := row.Scan(&e.MessageID, &e.LeadID, &payload, &e.AttemptCount, &e.MaxAttempts,
		&nextAt, &e.LastError, &deadLetter, &deadAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan retry")
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal retry payload")
	}
	e.DeadLetter = deadLetter != 0
	if deadAt.Valid {
		t, err := parseTime(deadAt.String)
		if err != nil {
			return nil, err
		}
		e.DeadLetteredAt = &t
	}
	if e.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
