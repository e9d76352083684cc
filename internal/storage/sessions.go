package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// SessionStore handles SQLite persistence of recording sessions and their merged chunks
type SessionStore struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	transcript TEXT NOT NULL DEFAULT '',
	last_chunk_index INTEGER NOT NULL DEFAULT -1,
	final_chunk_index INTEGER NOT NULL DEFAULT -1,
	duration_seconds REAL NOT NULL DEFAULT 0,
	paused_at INTEGER,
	title TEXT NOT NULL DEFAULT '',
	document TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	gdrive_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_recording_per_owner
	ON sessions(owner_id) WHERE status = 'recording';
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS chunks (
	session_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	duration_seconds REAL NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, chunk_index)
);
`

const sessionColumns = `id, owner_id, status, source, transcript, last_chunk_index, final_chunk_index,
	duration_seconds, paused_at, title, document, error_message, local_path, gdrive_url,
	created_at, updated_at`

// NewSessionStore opens (or creates) the session database
func NewSessionStore(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers; merges and seals run as short transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SessionStore{db: db}, nil
}

// DB exposes the underlying handle so collaborators (quota ledger) can share the file
func (s *SessionStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new recording session for the owner.
// Any session the owner left in recording is moved to paused first, so the owner keeps
// exactly one recording session and the orphan can still be resumed or finalized.
func (s *SessionStore) CreateSession(ctx context.Context, id, ownerID, title string) (*types.RecordingSession, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, paused_at = ?, updated_at = ?
		WHERE owner_id = ? AND status = ?`,
		string(types.StatusPaused), now.UnixMilli(), now.UnixMilli(), ownerID, string(types.StatusRecording))
	if err != nil {
		return nil, fmt.Errorf("failed to pause previous session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("Owner %s: paused %d orphaned recording session(s) before starting %s", ownerID, n, id)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, status, source, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ownerID, string(types.StatusRecording), types.SourceChunked, title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	return &types.RecordingSession{
		ID:              id,
		OwnerID:         ownerID,
		Status:          types.StatusRecording,
		Source:          types.SourceChunked,
		LastChunkIndex:  types.NoChunk,
		FinalChunkIndex: types.NoChunk,
		Title:           title,
		CreatedAt:       time.UnixMilli(now.UnixMilli()),
		UpdatedAt:       time.UnixMilli(now.UnixMilli()),
	}, nil
}

// GetSession retrieves a session by id
func (s *SessionStore) GetSession(ctx context.Context, id string) (*types.RecordingSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the owner's sessions, newest first
func (s *SessionStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*types.RecordingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.RecordingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LookupChunk returns the stored text of an already merged chunk
func (s *SessionStore) LookupChunk(ctx context.Context, sessionID string, index int) (string, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM chunks WHERE session_id = ? AND chunk_index = ?`, sessionID, index).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up chunk: %w", err)
	}
	return text, true, nil
}

// MergeChunk appends a transcribed chunk to the session transcript exactly once per index.
// The status check and the append run in one transaction, which is the compare-and-set
// that keeps merges from landing after a seal.
func (s *SessionStore) MergeChunk(ctx context.Context, sessionID string, index int, text string,
	segmentDuration, totalDuration float64, isLast bool) (*types.ChunkResult, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status, transcript string
	err = tx.QueryRowContext(ctx,
		`SELECT status, transcript FROM sessions WHERE id = ?`, sessionID).Scan(&status, &transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	st := types.SessionStatus(status)
	if !st.IsOpen() {
		return nil, &types.ConflictError{SessionID: sessionID, Status: st}
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT text FROM chunks WHERE session_id = ? AND chunk_index = ?`, sessionID, index).Scan(&existing)
	if err == nil {
		return &types.ChunkResult{
			SessionID:       sessionID,
			Index:           index,
			Text:            existing,
			DurationSeconds: segmentDuration,
			Duplicate:       true,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check chunk: %w", err)
	}

	now := time.Now().UnixMilli()
	text = strings.TrimSpace(text)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (session_id, chunk_index, text, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?)`, sessionID, index, text, segmentDuration, now); err != nil {
		return nil, fmt.Errorf("failed to insert chunk: %w", err)
	}

	finalIndex := types.NoChunk
	if isLast {
		finalIndex = index
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			transcript = ?,
			last_chunk_index = MAX(last_chunk_index, ?),
			final_chunk_index = MAX(final_chunk_index, ?),
			duration_seconds = MAX(duration_seconds, ?),
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		appendText(transcript, text), index, finalIndex, totalDuration, now,
		sessionID, string(types.StatusRecording), string(types.StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("failed to update transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &types.ConflictError{SessionID: sessionID, Status: st}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}

	return &types.ChunkResult{
		SessionID:       sessionID,
		Index:           index,
		Text:            text,
		DurationSeconds: segmentDuration,
	}, nil
}

// TranscriptLength returns the current transcript length in characters
func (s *SessionStore) TranscriptLength(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT length(transcript) FROM sessions WHERE id = ?`, sessionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read transcript length: %w", err)
	}
	return n, nil
}

// AllChunksArrived reports whether a chunk flagged as last was merged and every index
// from zero up to it is present
func (s *SessionStore) AllChunksArrived(ctx context.Context, sessionID string) (bool, error) {
	var final, count int
	err := s.db.QueryRowContext(ctx, `
		SELECT s.final_chunk_index,
			(SELECT COUNT(*) FROM chunks c
			 WHERE c.session_id = s.id AND c.chunk_index BETWEEN 0 AND s.final_chunk_index)
		FROM sessions s WHERE s.id = ?`, sessionID).Scan(&final, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, types.ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to count chunks: %w", err)
	}
	return final >= 0 && count == final+1, nil
}

// SetPaused records a pause notification; the session stays open for in-flight chunks
func (s *SessionStore) SetPaused(ctx context.Context, sessionID string, at time.Time) error {
	return s.transition(ctx, sessionID, `
		UPDATE sessions SET status = ?, paused_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.StatusPaused), at.UnixMilli(), time.Now().UnixMilli(),
		sessionID, string(types.StatusRecording), string(types.StatusPaused))
}

// SetResumed moves a paused session back to recording and clears paused_at
func (s *SessionStore) SetResumed(ctx context.Context, sessionID string) error {
	err := s.transition(ctx, sessionID, `
		UPDATE sessions SET status = ?, paused_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.StatusRecording), time.Now().UnixMilli(),
		sessionID, string(types.StatusRecording), string(types.StatusPaused))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &types.ConflictError{SessionID: sessionID, Status: types.StatusPaused}
	}
	return err
}

// BeginProcessing is the seal: it moves an open session to processing, freezes the
// transcript rebuilt in chunk-index order, and folds in the client's final duration.
// Only one caller can win; the others get a ConflictError.
func (s *SessionStore) BeginProcessing(ctx context.Context, sessionID string, finalDuration float64) (*types.RecordingSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if st := types.SessionStatus(status); !st.IsOpen() {
		return nil, &types.ConflictError{SessionID: sessionID, Status: st}
	}

	transcript, err := assembleTranscript(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			transcript = ?,
			duration_seconds = MAX(duration_seconds, ?),
			paused_at = NULL,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.StatusProcessing), transcript, finalDuration, time.Now().UnixMilli(),
		sessionID, string(types.StatusRecording), string(types.StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("failed to seal session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &types.ConflictError{SessionID: sessionID, Status: types.SessionStatus(status)}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seal: %w", err)
	}
	return sess, nil
}

// CreateLegacySession stores pre-transcribed chunks as a session already in processing
func (s *SessionStore) CreateLegacySession(ctx context.Context, id, ownerID, title string,
	chunks []types.TranscribedChunk, duration float64) (*types.RecordingSession, error) {

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, status, source, title, duration_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ownerID, string(types.StatusProcessing), types.SourceLegacy, title, duration, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	last := types.NoChunk
	for _, c := range chunks {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (session_id, chunk_index, text, duration_seconds, created_at)
			VALUES (?, ?, ?, 0, ?) ON CONFLICT(session_id, chunk_index) DO NOTHING`,
			id, c.Index, strings.TrimSpace(c.Text), now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
		if n, _ := res.RowsAffected(); n == 1 && c.Index > last {
			last = c.Index
		}
	}

	transcript, err := assembleTranscript(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET transcript = ?, last_chunk_index = ?, final_chunk_index = ? WHERE id = ?`,
		transcript, last, last, id); err != nil {
		return nil, fmt.Errorf("failed to store transcript: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit legacy session: %w", err)
	}
	return sess, nil
}

// Complete stores the formatted document and moves processing to completed
func (s *SessionStore) Complete(ctx context.Context, sessionID string, doc types.Document, localPath, gdriveURL string) error {
	return s.transition(ctx, sessionID, `
		UPDATE sessions SET status = ?, title = ?, document = ?, local_path = ?, gdrive_url = ?,
			error_message = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.StatusCompleted), doc.Title, doc.Content, localPath, gdriveURL, time.Now().UnixMilli(),
		sessionID, string(types.StatusProcessing))
}

// Fail moves processing to failed and keeps the message for diagnostics
func (s *SessionStore) Fail(ctx context.Context, sessionID, message string) error {
	return s.transition(ctx, sessionID, `
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.StatusFailed), message, time.Now().UnixMilli(),
		sessionID, string(types.StatusProcessing))
}

// DeleteSession removes a session and its chunks
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	return tx.Commit()
}

// StaleProcessing lists sessions that entered processing before the cutoff and never finished
func (s *SessionStore) StaleProcessing(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? AND updated_at < ?`,
		string(types.StatusProcessing), before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOpen returns how many sessions are recording or paused
func (s *SessionStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		string(types.StatusRecording), string(types.StatusPaused)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sessions: %w", err)
	}
	return n, nil
}

// transition runs a guarded single-row UPDATE and maps "no row changed" to not-found or conflict
func (s *SessionStore) transition(ctx context.Context, sessionID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	return &types.ConflictError{SessionID: sessionID, Status: types.SessionStatus(status)}
}

// assembleTranscript joins the merged chunk texts in index order
func assembleTranscript(ctx context.Context, tx *sql.Tx, sessionID string) (string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT text FROM chunks WHERE session_id = ? ORDER BY chunk_index ASC`, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to read chunks: %w", err)
	}
	defer rows.Close()

	var transcript string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("failed to scan chunk: %w", err)
		}
		transcript = appendText(transcript, text)
	}
	return transcript, rows.Err()
}

func appendText(transcript, text string) string {
	switch {
	case text == "":
		return transcript
	case transcript == "":
		return text
	default:
		return transcript + " " + text
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.RecordingSession, error) {
	var (
		sess                 types.RecordingSession
		status               string
		pausedAt             sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(&sess.ID, &sess.OwnerID, &status, &sess.Source, &sess.Transcript,
		&sess.LastChunkIndex, &sess.FinalChunkIndex, &sess.DurationSeconds, &pausedAt,
		&sess.Title, &sess.Document, &sess.ErrorMessage, &sess.LocalPath, &sess.GDriveURL,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	st, ok := types.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown session status %q", status)
	}
	sess.Status = st

	if pausedAt.Valid {
		t := time.UnixMilli(pausedAt.Int64)
		sess.PausedAt = &t
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	return &sess, nil
}
