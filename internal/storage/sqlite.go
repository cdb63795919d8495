package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	callColumns      = "id, timestamp_ns, method, url, stage, match_kind, kind, status, bytes, latency_us, remote_addr, user_agent, storage_path, error"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS calls (
    id TEXT PRIMARY KEY,
    timestamp_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    stage TEXT NOT NULL,
    match_kind TEXT,
    kind TEXT,
    status INTEGER,
    bytes INTEGER,
    latency_us INTEGER,
    remote_addr TEXT,
    user_agent TEXT,
    storage_path TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_calls_ts ON calls(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_calls_stage_ts ON calls(stage, timestamp_ns DESC);

CREATE TABLE IF NOT EXISTS socket_sessions (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    state TEXT,
    frames_sent INTEGER,
    frames_received INTEGER,
    started_ns INTEGER NOT NULL,
    ended_ns INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON socket_sessions(started_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Record(rec *CallRecord) (*CallRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("call record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	ctx := context.Background()
	ts := rec.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.Timestamp = ts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, "INSERT INTO calls ("+callColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID,
		ts.UnixNano(),
		rec.Method,
		rec.URL,
		rec.Stage,
		rec.MatchKind,
		rec.Kind,
		rec.Status,
		rec.Bytes,
		rec.Latency.Microseconds(),
		rec.RemoteAddr,
		rec.UserAgent,
		rec.StoragePath,
		rec.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("insert call: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM calls WHERE timestamp_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM socket_sessions WHERE started_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune sessions by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM calls").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM calls WHERE id IN (SELECT id FROM calls ORDER BY timestamp_ns ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) List(opts ListOptions) ([]*CallRecord, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM calls "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + callColumns + " FROM calls ")
	query.WriteString(where)
	query.WriteString(" ORDER BY timestamp_ns DESC")

	listArgs := append([]interface{}(nil), args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Iterate(opts ListOptions, fn func(*CallRecord) bool) error {
	ctx := context.Background()
	where, args := buildFilters(opts)

	rows, err := s.db.QueryContext(ctx, "SELECT "+callColumns+" FROM calls "+where+" ORDER BY timestamp_ns DESC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return err
		}
		if !fn(rec) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) Snapshot() ([]*CallRecord, error) {
	var records []*CallRecord
	err := s.Iterate(ListOptions{}, func(rec *CallRecord) bool {
		records = append(records, rec)
		return true
	})
	return records, err
}

func (s *sqliteStore) Get(id string) (*CallRecord, error) {
	row := s.db.QueryRowContext(context.Background(), "SELECT "+callColumns+" FROM calls WHERE id = ?", id)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) Stats() (*Stats, error) {
	ctx := context.Background()
	stats := &Stats{ByStage: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, "SELECT stage, COUNT(1), COALESCE(SUM(bytes), 0), SUM(CASE WHEN error != '' THEN 1 ELSE 0 END) FROM calls GROUP BY stage")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage  string
			count  int
			bytes  int64
			failed sql.NullInt64
		)
		if err := rows.Scan(&stage, &count, &bytes, &failed); err != nil {
			return nil, err
		}
		stats.ByStage[stage] = count
		stats.Total += count
		stats.Bytes += bytes
		stats.Errors += int(failed.Int64)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM socket_sessions").Scan(&stats.Sessions); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *sqliteStore) RecordSession(rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	var ended int64
	if !rec.EndedAt.IsZero() {
		ended = rec.EndedAt.UTC().UnixNano()
	}
	_, err := s.db.ExecContext(context.Background(), `INSERT OR REPLACE INTO socket_sessions (
        id, url, state, frames_sent, frames_received, started_ns, ended_ns
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.URL, rec.State, rec.FramesSent, rec.FramesReceived,
		rec.StartedAt.UTC().UnixNano(), ended,
	)
	if err != nil {
		return fmt.Errorf("insert socket session: %w", err)
	}
	return nil
}

func (s *sqliteStore) Sessions(limit int) ([]*SessionRecord, error) {
	query := "SELECT id, url, state, frames_sent, frames_received, started_ns, ended_ns FROM socket_sessions ORDER BY started_ns DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			state    sql.NullString
			sent     sql.NullInt64
			received sql.NullInt64
			started  int64
			ended    sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.URL, &state, &sent, &received, &started, &ended); err != nil {
			return nil, err
		}
		rec.State = state.String
		rec.FramesSent = int(sent.Int64)
		rec.FramesReceived = int(received.Int64)
		rec.StartedAt = time.Unix(0, started).UTC()
		if ended.Int64 > 0 {
			rec.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCall(scanner interface {
	Scan(dest ...interface{}) error
}) (*CallRecord, error) {
	var (
		rec         CallRecord
		ts          int64
		matchKind   sql.NullString
		kind        sql.NullString
		status      sql.NullInt64
		size        sql.NullInt64
		latency     sql.NullInt64
		remote      sql.NullString
		userAgent   sql.NullString
		storagePath sql.NullString
		errMsg      sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&ts,
		&rec.Method,
		&rec.URL,
		&rec.Stage,
		&matchKind,
		&kind,
		&status,
		&size,
		&latency,
		&remote,
		&userAgent,
		&storagePath,
		&errMsg,
	); err != nil {
		return nil, err
	}

	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.MatchKind = matchKind.String
	rec.Kind = kind.String
	rec.Status = int(status.Int64)
	rec.Bytes = size.Int64
	rec.Latency = time.Duration(latency.Int64) * time.Microsecond
	rec.RemoteAddr = remote.String
	rec.UserAgent = userAgent.String
	rec.StoragePath = storagePath.String
	rec.Error = errMsg.String
	return &rec, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if method := strings.TrimSpace(opts.Method); method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		args = append(args, method)
	}

	if stage := strings.TrimSpace(opts.Stage); stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, strings.ToLower(stage))
	}

	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(storage_path) LIKE ? OR LOWER(remote_addr) LIKE ? OR LOWER(user_agent) LIKE ? OR LOWER(error) LIKE ?)")
		args = append(args, like, like, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
