// Package store owns the analytic database: schema creation, the legacy
// sequence-id migration, and every typed read/write operation the
// ingestor and query handlers use. It is the only package in this
// module that imports database/sql directly.
//
// Every exported operation acquires its own pooled *sql.Conn, does its
// work in a single transaction when it mutates state, and releases the
// connection on every exit path — mirroring the "one connection per
// request" contract §4.A and §9 call for, and grounded on the
// mattn/go-sqlite3-backed store in the roach88-nysm example (schema
// embed, WAL pragmas, single-writer pool).
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"
	"github.com/bonzupii/chimera-logmind/pkg/fingerprint"
	"github.com/bonzupii/chimera-logmind/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Tracer starts a span around a store operation (SPEC_FULL.md
// "tracing"). A nil Tracer is a valid no-op.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Store wraps the analytic database handle. Safe for concurrent use: all
// methods pull a connection from the pool rather than holding a shared
// one.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	tracer Tracer
}

// SetTracer installs the tracer every subsequent operation spans. Built
// after Open since the tracer provider needs the store's own startup to
// have already succeeded in the daemon's New-Start-Stop-Run sequence.
func (s *Store) SetTracer(t Tracer) {
	s.tracer = t
}

func (s *Store) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.StartSpan(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// Open creates or opens the analytic store at path, applies pragmas,
// creates the schema if absent, and runs the legacy-id migration (§4.A)
// if needed. Failures here are Startup-Fatal per §7: the caller should
// treat a non-nil error as unrecoverable.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StartupFatal, "open store", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.StartupFatal, "connect store", err)
	}

	// SQLite allows only one writer; the store's own pool discipline (one
	// connection checked out per request, released promptly) keeps this
	// from becoming a bottleneck for the request volumes this daemon
	// expects.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.StartupFatal, "apply pragma", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.StartupFatal, "create schema", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.migrateLegacyIDs(context.Background()); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.StartupFatal, "migrate legacy ids", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// conn acquires one pooled connection; callers must Close() it.
func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.StorageError("acquire connection", err)
	}
	return c, nil
}

// InsertLogs performs a single conflict-safe transaction inserting up to
// len(batch) rows, ignoring any row whose id or cursor already exists,
// and returns the count actually added. §4.A.
func (s *Store) InsertLogs(ctx context.Context, batch []types.LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	ctx, span := s.startSpan(ctx, "store.insert_logs")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.StorageError("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO logs (id, ts, hostname, unit, source, severity, message, cursor, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, apperrors.StorageError("prepare insert", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range batch {
		var cursor interface{}
		if row.Cursor != "" {
			cursor = row.Cursor
		}
		res, err := stmt.ExecContext(ctx, row.ID, row.Timestamp.UTC(), row.Hostname, row.Unit,
			row.Source, string(row.Severity), row.Message, cursor, row.Fingerprint)
		if err != nil {
			return 0, apperrors.StorageError("insert row", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperrors.StorageError("rows affected", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.StorageError("commit insert", err)
	}
	return inserted, nil
}

// InsertLogsAndAdvanceCursor performs InsertLogs and the ingest_state
// upsert for sourceName inside the same transaction, so either both
// writes become visible or neither does (§4.C step 4). cursor may be
// empty, meaning "do not advance the cursor".
func (s *Store) InsertLogsAndAdvanceCursor(ctx context.Context, batch []types.LogEntry, sourceName, cursor string) (int, error) {
	if len(batch) == 0 && cursor == "" {
		return 0, nil
	}

	ctx, span := s.startSpan(ctx, "store.insert_logs_and_advance_cursor")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.StorageError("begin transaction", err)
	}
	defer tx.Rollback()

	inserted, err := insertLogsTx(ctx, tx, batch)
	if err != nil {
		return 0, err
	}

	if cursor != "" {
		if err := upsertCursorTx(ctx, tx, sourceName, cursor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.StorageError("commit ingest batch", err)
	}
	return inserted, nil
}

func insertLogsTx(ctx context.Context, tx *sql.Tx, batch []types.LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO logs (id, ts, hostname, unit, source, severity, message, cursor, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, apperrors.StorageError("prepare insert", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range batch {
		var cursor interface{}
		if row.Cursor != "" {
			cursor = row.Cursor
		}
		res, err := stmt.ExecContext(ctx, row.ID, row.Timestamp.UTC(), row.Hostname, row.Unit,
			row.Source, string(row.Severity), row.Message, cursor, row.Fingerprint)
		if err != nil {
			return 0, apperrors.StorageError("insert row", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperrors.StorageError("rows affected", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func upsertCursorTx(ctx context.Context, tx *sql.Tx, sourceName, cursor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_state (source_name, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, sourceName, cursor, time.Now().UTC())
	if err != nil {
		return apperrors.StorageError("upsert cursor", err)
	}
	return nil
}

// GetCursor returns the persisted cursor for sourceName, or "" if no row
// exists or the row's cursor is null.
func (s *Store) GetCursor(ctx context.Context, sourceName string) (string, error) {
	ctx, span := s.startSpan(ctx, "store.get_cursor")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	var cursor sql.NullString
	err = c.QueryRowContext(ctx, `SELECT cursor FROM ingest_state WHERE source_name = ?`, sourceName).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.StorageError("get cursor", err)
	}
	return cursor.String, nil
}

// SetCursor upserts the cursor for sourceName, setting updated_at to now.
func (s *Store) SetCursor(ctx context.Context, sourceName, cursor string) error {
	ctx, span := s.startSpan(ctx, "store.set_cursor")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := upsertCursorTx(ctx, tx, sourceName, cursor); err != nil {
		return err
	}
	return tx.Commit()
}

// CountLogs returns the total number of rows in logs.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	ctx, span := s.startSpan(ctx, "store.count_logs")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var total int64
	if err := c.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&total); err != nil {
		return 0, apperrors.StorageError("count logs", err)
	}
	return total, nil
}

// severityAtOrAbove returns the set of severity names ranked at or more
// severe than min, per the eight-level table in pkg/types. Severities
// outside the table never match any min_severity filter — the Open
// Question in §9 resolves this as "filter does not match".
func severityAtOrAbove(min types.Severity) []string {
	minRank, ok := types.SeverityRank[min]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(types.SeverityRank))
	for sev, rank := range types.SeverityRank {
		if rank <= minRank {
			out = append(out, string(sev))
		}
	}
	return out
}

// QueryLogs runs a filtered, ordered, limited scan of logs per §4.A.
func (s *Store) QueryLogs(ctx context.Context, f types.QueryFilters) ([]types.LogEntry, error) {
	ctx, span := s.startSpan(ctx, "store.query_logs")
	defer endSpan(span)

	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	query := `SELECT id, ts, hostname, unit, source, severity, message, COALESCE(cursor, ''), fingerprint FROM logs WHERE 1=1`
	var args []interface{}

	if f.HasSince {
		query += ` AND ts >= ?`
		args = append(args, time.Now().UTC().Add(-time.Duration(f.SinceSeconds)*time.Second))
	}
	if f.HasMinSev {
		sevs := severityAtOrAbove(f.MinSeverity)
		if len(sevs) == 0 {
			// No severity in the ranking table is at or above an unranked
			// minimum: nothing can match.
			return nil, nil
		}
		placeholders := ""
		for i, sev := range sevs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, sev)
		}
		query += ` AND severity IN (` + placeholders + `)`
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.Unit != "" {
		query += ` AND unit = ?`
		args = append(args, f.Unit)
	}
	if f.Hostname != "" {
		query += ` AND hostname = ?`
		args = append(args, f.Hostname)
	}
	if f.Contains != "" {
		query += ` AND LOWER(message) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(f.Contains))+"%")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = types.DefaultQueryLimit
	}
	if limit > types.MaxQueryLimit {
		limit = types.MaxQueryLimit
	}

	order := "DESC"
	if f.Order == types.OrderAsc {
		order = "ASC"
	}
	query += fmt.Sprintf(` ORDER BY ts %s LIMIT ?`, order)
	args = append(args, limit)

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StorageError("query logs", err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var sev string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Hostname, &e.Unit, &e.Source, &sev, &e.Message, &e.Cursor, &e.Fingerprint); err != nil {
			return nil, apperrors.StorageError("scan log row", err)
		}
		e.Severity = types.Severity(sev)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageError("iterate log rows", err)
	}
	return out, nil
}

// Discover runs a GROUP BY aggregation over one dimension, ordered by
// count descending, per §4.A.
func (s *Store) Discover(ctx context.Context, f types.DiscoverFilters) ([]types.DiscoverRow, error) {
	ctx, span := s.startSpan(ctx, "store.discover")
	defer endSpan(span)

	column, err := dimensionColumn(f.Dimension)
	if err != nil {
		return nil, err
	}

	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	query := fmt.Sprintf(`SELECT %s AS value, COUNT(*) AS count FROM logs WHERE 1=1`, column)
	var args []interface{}

	if f.HasSince {
		query += ` AND ts >= ?`
		args = append(args, time.Now().UTC().Add(-time.Duration(f.SinceSeconds)*time.Second))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = types.DefaultDiscoverLimit
	}
	if limit > types.MaxDiscoverLimit {
		limit = types.MaxDiscoverLimit
	}

	query += fmt.Sprintf(` GROUP BY %s ORDER BY count DESC LIMIT ?`, column)
	args = append(args, limit)

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StorageError("discover", err)
	}
	defer rows.Close()

	var out []types.DiscoverRow
	for rows.Next() {
		var row types.DiscoverRow
		if err := rows.Scan(&row.Value, &row.Count); err != nil {
			return nil, apperrors.StorageError("scan discover row", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageError("iterate discover rows", err)
	}
	return out, nil
}

func dimensionColumn(d types.DiscoverDimension) (string, error) {
	switch d {
	case types.DimensionUnits:
		return "unit", nil
	case types.DimensionHostnames:
		return "hostname", nil
	case types.DimensionSources:
		return "source", nil
	case types.DimensionSeverities:
		return "severity", nil
	default:
		return "", apperrors.BadRequestf("unknown discover dimension %q", d)
	}
}

// migrateLegacyIDs detects a pre-hash-id schema (an AUTOINCREMENT id
// column) and rebuilds the table with ids derived from fingerprint,
// keeping the earliest ts on any fingerprint collision and logging every
// dropped row for operator review (§4.A, §9 Open Question resolution).
func (s *Store) migrateLegacyIDs(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var sqlText sql.NullString
	err = c.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'logs'`).Scan(&sqlText)
	if err == sql.ErrNoRows || !sqlText.Valid {
		return nil
	}
	if err != nil {
		return apperrors.StorageError("introspect logs table", err)
	}
	if !isLegacyAutoincrementSchema(sqlText.String) {
		return nil
	}

	if s.logger != nil {
		s.logger.Warn("detected legacy sequence-id schema on logs table; migrating to deterministic fingerprint ids")
	}

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageError("begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE logs_migrated (
			id BIGINT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			cursor TEXT UNIQUE,
			fingerprint TEXT NOT NULL
		)
	`); err != nil {
		return apperrors.StorageError("create migration table", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT ts, hostname, unit, source, severity, message, cursor, fingerprint FROM logs ORDER BY ts ASC`)
	if err != nil {
		return apperrors.StorageError("scan legacy rows", err)
	}

	type legacyRow struct {
		ts                                            time.Time
		hostname, unit, source, severity, message, fp string
		cursor                                        sql.NullString
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.ts, &r.hostname, &r.unit, &r.source, &r.severity, &r.message, &r.cursor, &r.fp); err != nil {
			rows.Close()
			return apperrors.StorageError("scan legacy row", err)
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperrors.StorageError("iterate legacy rows", err)
	}

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO logs_migrated (id, ts, hostname, unit, source, severity, message, cursor, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return apperrors.StorageError("prepare migration insert", err)
	}
	defer insertStmt.Close()

	for _, r := range legacy {
		id := fingerprint.ID(r.fp)
		var cursorArg interface{}
		if r.cursor.Valid {
			cursorArg = r.cursor.String
		}
		res, err := insertStmt.ExecContext(ctx, id, r.ts.UTC(), r.hostname, r.unit, r.source, r.severity, r.message, cursorArg, r.fp)
		if err != nil {
			return apperrors.StorageError("insert migrated row", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 && s.logger != nil {
			// Rows are processed oldest-ts first, so a conflict here means
			// an earlier-ts row already claimed this id: keep the earlier
			// one, log this one as dropped for operator review.
			s.logger.WithFields(logrus.Fields{
				"id":          id,
				"fingerprint": r.fp,
				"ts":          r.ts,
			}).Warn("dropped colliding legacy row during id migration; earlier row kept")
		}
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE logs`); err != nil {
		return apperrors.StorageError("drop legacy table", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE logs_migrated RENAME TO logs`); err != nil {
		return apperrors.StorageError("rename migrated table", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs (ts DESC)`); err != nil {
		return apperrors.StorageError("recreate ts index", err)
	}

	return tx.Commit()
}

func isLegacyAutoincrementSchema(createSQL string) bool {
	upper := strings.ToUpper(createSQL)
	return strings.Contains(upper, "AUTOINCREMENT") || strings.Contains(upper, "INTEGER PRIMARY KEY")
}

// escapeLike escapes the SQL LIKE metacharacters % and _ (and the escape
// character itself) in a substring the caller wants matched literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
