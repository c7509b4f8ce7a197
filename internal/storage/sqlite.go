package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLite is the relational Adapter used by the server hub. WAL mode,
// single writer (SetMaxOpenConns(1)), embedded goose migrations.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at dbPath, applies
// migrations, and returns the adapter. Use ":memory:" in tests.
func NewSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	logger.Info("opening sync database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// Sole-writer: concurrent writes through one connection avoid
	// SQLITE_BUSY under the modernc driver.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &SQLite{db: db, logger: logger}, nil
}

// setPragmas configures SQLite for WAL mode and durability.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("storage: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storage: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *SQLite) GetDocument(ctx context.Context, id string) (*DocumentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, version, created_at, updated_at FROM documents WHERE id = ?`, id)

	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*DocumentState, error) {
	var (
		doc       DocumentState
		stateJSON string
	)

	err := row.Scan(&doc.ID, &stateJSON, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: scanning document: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &doc.State); err != nil {
		return nil, fmt.Errorf("storage: parsing document state: %w", err)
	}

	return &doc, nil
}

func (s *SQLite) SaveDocument(ctx context.Context, id string, state State) (*DocumentState, error) {
	return s.upsertDocument(ctx, s.db, id, state)
}

func (s *SQLite) UpdateDocument(ctx context.Context, id string, state State) (*DocumentState, error) {
	return s.upsertDocument(ctx, s.db, id, state)
}

// execer abstracts *sql.DB and *sql.Tx for shared upsert paths.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) upsertDocument(ctx context.Context, ex execer, id string, state State) (*DocumentState, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding document state: %w", err)
	}

	now := time.Now().UnixNano()

	_, err = ex.ExecContext(ctx,
		`INSERT INTO documents (id, state, version, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   version = documents.version + 1,
		   updated_at = excluded.updated_at`,
		id, string(stateJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("storage: upserting document %s: %w", id, err)
	}

	row := ex.QueryRowContext(ctx,
		`SELECT id, state, version, created_at, updated_at FROM documents WHERE id = ?`, id)

	return scanDocument(row)
}

func (s *SQLite) DeleteDocument(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin delete document: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("storage: deleting document %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_clocks WHERE doc_id = ?`, id); err != nil {
		return false, fmt.Errorf("storage: deleting vector clock %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deltas WHERE doc_id = ?`, id); err != nil {
		return false, fmt.Errorf("storage: deleting delta log %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit delete document: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete rows affected: %w", err)
	}

	return n > 0, nil
}

func (s *SQLite) ListDocuments(ctx context.Context, limit, offset int) ([]*DocumentState, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, version, created_at, updated_at FROM documents
		 ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*DocumentState

	for rows.Next() {
		var (
			doc       DocumentState
			stateJSON string
		)

		if err := rows.Scan(&doc.ID, &stateJSON, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning document row: %w", err)
		}

		if err := json.Unmarshal([]byte(stateJSON), &doc.State); err != nil {
			return nil, fmt.Errorf("storage: parsing document state: %w", err)
		}

		docs = append(docs, &doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating documents: %w", err)
	}

	return docs, nil
}

func (s *SQLite) GetVectorClock(ctx context.Context, docID string) (clock.Vector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, seq FROM vector_clocks WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("storage: reading vector clock %s: %w", docID, err)
	}
	defer rows.Close()

	vec := make(clock.Vector)

	for rows.Next() {
		var (
			clientID string
			seq      uint64
		)

		if err := rows.Scan(&clientID, &seq); err != nil {
			return nil, fmt.Errorf("storage: scanning vector clock: %w", err)
		}

		vec[clientID] = seq
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating vector clock: %w", err)
	}

	return vec, nil
}

func (s *SQLite) UpdateVectorClock(ctx context.Context, docID, clientID string, seq uint64) error {
	return advanceVectorClock(ctx, s.db, docID, clientID, seq)
}

func advanceVectorClock(ctx context.Context, ex execer, docID, clientID string, seq uint64) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO vector_clocks (doc_id, client_id, seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (doc_id, client_id) DO UPDATE SET
		   seq = MAX(vector_clocks.seq, excluded.seq),
		   updated_at = excluded.updated_at`,
		docID, clientID, seq, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("storage: advancing vector clock %s/%s: %w", docID, clientID, err)
	}

	return nil
}

func (s *SQLite) MergeVectorClock(ctx context.Context, docID string, vec clock.Vector) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin merge vector clock: %w", err)
	}
	defer tx.Rollback()

	for clientID, seq := range vec {
		if err := advanceVectorClock(ctx, tx, docID, clientID, seq); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit merge vector clock: %w", err)
	}

	return nil
}

func (s *SQLite) SaveDelta(ctx context.Context, d *protocol.Delta) (*DeltaRecord, error) {
	rec, err := insertDelta(ctx, s.db, d)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// insertDelta appends a delta unless its (doc, origin, seq) key is
// already present, returning the existing row in that case.
func insertDelta(ctx context.Context, ex execer, d *protocol.Delta) (*DeltaRecord, error) {
	rec := &DeltaRecord{
		ID:         ulid.Make().String(),
		Delta:      *d,
		ReceivedAt: time.Now().UnixNano(),
	}

	var value sql.NullString
	if d.Value != nil {
		value = sql.NullString{String: string(d.Value), Valid: true}
	}

	result, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO deltas
		   (id, doc_id, field_name, op, value, stamp_phys, stamp_log, stamp_client, origin, seq, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, d.DocumentID, d.FieldName, string(d.Op), value,
		d.Stamp.Physical, d.Stamp.Logical, d.Stamp.ClientID,
		d.OriginClient, d.SeqAtOrigin, rec.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: inserting delta: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("storage: delta rows affected: %w", err)
	}

	if n == 0 {
		// Idempotent replay: surface the previously stored row.
		row := ex.QueryRowContext(ctx,
			`SELECT id, received_at FROM deltas WHERE doc_id = ? AND origin = ? AND seq = ?`,
			d.DocumentID, d.OriginClient, d.SeqAtOrigin)

		if err := row.Scan(&rec.ID, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: reading replayed delta: %w", err)
		}
	}

	return rec, nil
}

func (s *SQLite) GetDeltas(ctx context.Context, docID string, limit int) ([]*DeltaRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, field_name, op, value, stamp_phys, stamp_log, stamp_client, origin, seq, received_at
		 FROM deltas WHERE doc_id = ?
		 ORDER BY stamp_phys, stamp_log, stamp_client LIMIT ?`, docID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: reading delta log %s: %w", docID, err)
	}
	defer rows.Close()

	var out []*DeltaRecord

	for rows.Next() {
		var (
			rec   DeltaRecord
			op    string
			value sql.NullString
		)

		err := rows.Scan(&rec.ID, &rec.Delta.DocumentID, &rec.Delta.FieldName, &op, &value,
			&rec.Delta.Stamp.Physical, &rec.Delta.Stamp.Logical, &rec.Delta.Stamp.ClientID,
			&rec.Delta.OriginClient, &rec.Delta.SeqAtOrigin, &rec.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning delta row: %w", err)
		}

		rec.Delta.Op = protocol.Op(op)

		if value.Valid {
			rec.Delta.Value = json.RawMessage(value.String)
		}

		out = append(out, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating delta log: %w", err)
	}

	return out, nil
}

func (s *SQLite) CommitPublish(ctx context.Context, state State, d *protocol.Delta) (*DeltaRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin publish: %w", err)
	}
	defer tx.Rollback()

	rec, err := insertDelta(ctx, tx, d)
	if err != nil {
		return nil, err
	}

	if _, err := s.upsertDocument(ctx, tx, d.DocumentID, state); err != nil {
		return nil, err
	}

	if err := advanceVectorClock(ctx, tx, d.DocumentID, d.OriginClient, d.SeqAtOrigin); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit publish: %w", err)
	}

	return rec, nil
}

func (s *SQLite) PruneDeltas(ctx context.Context, docID string, cutoffMillis uint64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM deltas WHERE doc_id = ? AND stamp_phys < ?`, docID, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("storage: pruning deltas %s: %w", docID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: prune rows affected: %w", err)
	}

	return int(n), nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess *SessionRecord) (*SessionRecord, error) {
	stored := *sess
	if stored.ID == "" {
		stored.ID = ulid.Make().String()
	}

	metaJSON, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, client_id, user_id, connected_at, last_seen, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   client_id = excluded.client_id,
		   user_id = excluded.user_id,
		   last_seen = excluded.last_seen,
		   metadata = excluded.metadata`,
		stored.ID, stored.ClientID, nullString(stored.UserID),
		stored.ConnectedAt, stored.LastSeen, string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("storage: saving session %s: %w", stored.ID, err)
	}

	return &stored, nil
}

func (s *SQLite) UpdateSession(ctx context.Context, sessionID string, lastSeen int64, metadata map[string]string) error {
	var (
		result sql.Result
		err    error
	)

	if metadata != nil {
		metaJSON, marshalErr := json.Marshal(metadata)
		if marshalErr != nil {
			return fmt.Errorf("storage: encoding session metadata: %w", marshalErr)
		}

		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET last_seen = ?, metadata = ? WHERE id = ?`,
			lastSeen, string(metaJSON), sessionID)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET last_seen = ? WHERE id = ?`, lastSeen, sessionID)
	}

	if err != nil {
		return fmt.Errorf("storage: updating session %s: %w", sessionID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: session rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("storage: deleting session %s: %w", sessionID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete session rows affected: %w", err)
	}

	return n > 0, nil
}

func (s *SQLite) GetSessions(ctx context.Context, userID string) ([]*SessionRecord, error) {
	query := `SELECT id, client_id, user_id, connected_at, last_seen, metadata FROM sessions`
	args := []any{}

	if userID != "" {
		query += ` WHERE user_id = ?`

		args = append(args, userID)
	}

	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord

	for rows.Next() {
		var (
			rec      SessionRecord
			user     sql.NullString
			metaJSON sql.NullString
		)

		if err := rows.Scan(&rec.ID, &rec.ClientID, &user, &rec.ConnectedAt, &rec.LastSeen, &metaJSON); err != nil {
			return nil, fmt.Errorf("storage: scanning session row: %w", err)
		}

		rec.UserID = user.String

		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("storage: parsing session metadata: %w", err)
			}
		}

		out = append(out, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating sessions: %w", err)
	}

	return out, nil
}

func (s *SQLite) AppendPending(ctx context.Context, p *PendingDelta) error {
	payload, err := json.Marshal(&p.Delta)
	if err != nil {
		return fmt.Errorf("storage: encoding pending delta: %w", err)
	}

	enqueuedAt := p.EnqueuedAt
	if enqueuedAt == 0 {
		enqueuedAt = time.Now().UnixNano()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending (seq, payload, enqueued_at) VALUES (?, ?, ?)`,
		p.Seq, string(payload), enqueuedAt)
	if err != nil {
		return fmt.Errorf("storage: appending pending %d: %w", p.Seq, err)
	}

	return nil
}

func (s *SQLite) ListPending(ctx context.Context) ([]*PendingDelta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload, enqueued_at FROM pending ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("storage: listing pending: %w", err)
	}
	defer rows.Close()

	var out []*PendingDelta

	for rows.Next() {
		var (
			rec     PendingDelta
			payload string
		)

		if err := rows.Scan(&rec.Seq, &payload, &rec.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning pending row: %w", err)
		}

		if err := json.Unmarshal([]byte(payload), &rec.Delta); err != nil {
			return nil, fmt.Errorf("storage: parsing pending delta %d: %w", rec.Seq, err)
		}

		out = append(out, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating pending: %w", err)
	}

	return out, nil
}

func (s *SQLite) AckPending(ctx context.Context, upToSeq uint64) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE seq <= ?`, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("storage: acking pending: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: ack rows affected: %w", err)
	}

	return int(n), nil
}

func (s *SQLite) ReplacePending(ctx context.Context, items []*PendingDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin replace pending: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending`); err != nil {
		return fmt.Errorf("storage: clearing pending: %w", err)
	}

	for _, p := range items {
		payload, marshalErr := json.Marshal(&p.Delta)
		if marshalErr != nil {
			return fmt.Errorf("storage: encoding pending delta: %w", marshalErr)
		}

		enqueuedAt := p.EnqueuedAt
		if enqueuedAt == 0 {
			enqueuedAt = time.Now().UnixNano()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending (seq, payload, enqueued_at) VALUES (?, ?, ?)`,
			p.Seq, string(payload), enqueuedAt); err != nil {
			return fmt.Errorf("storage: inserting pending %d: %w", p.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit replace pending: %w", err)
	}

	return nil
}

func (s *SQLite) GetMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("storage: reading meta %s: %w", key, err)
	}

	return value, nil
}

func (s *SQLite) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: writing meta %s: %w", key, err)
	}

	return nil
}

func (s *SQLite) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	var result CleanupResult

	if opts.OldSessionsHours > 0 {
		cutoff := time.Now().Add(-time.Duration(opts.OldSessionsHours) * time.Hour).UnixNano()

		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("storage: cleaning sessions: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("storage: session cleanup rows affected: %w", err)
		}

		result.SessionsDeleted = int(n)
	}

	if opts.OldDeltasDays > 0 {
		cutoff := time.Now().Add(-time.Duration(opts.OldDeltasDays) * 24 * time.Hour).UnixNano()

		res, err := s.db.ExecContext(ctx, `DELETE FROM deltas WHERE received_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("storage: cleaning deltas: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("storage: delta cleanup rows affected: %w", err)
		}

		result.DeltasDeleted = int(n)
	}

	return result, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: closing sqlite: %w", err)
	}

	return nil
}

// nullString converts "" to NULL for nullable TEXT columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
