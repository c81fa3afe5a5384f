// Package sqlite implements every conclave store interface using pure-Go
// SQLite with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/conclave"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements conclave.SessionStore plus all three memory store
// interfaces backed by a local SQLite file. Embeddings are stored as JSON
// text and vector search is done in-process using brute-force cosine
// similarity; document search uses an FTS5 index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conclave.SessionStore = (*Store)(nil)
var _ conclave.VectorStore = (*Store)(nil)
var _ conclave.DocumentStore = (*Store)(nil)
var _ conclave.RelationStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT,
			confidence REAL,
			contributors TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vector_records (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL,
			tags TEXT,
			importance REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence REAL NOT NULL,
			PRIMARY KEY (subject, predicate, object)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner)`)

	// FTS5 full-text index for keyword search over documents.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(doc_id UNINDEXED, content)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- SessionStore ---

// CreateSession inserts a new session. A duplicate id fails.
func (s *Store) CreateSession(ctx context.Context, sess conclave.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: create session", "id", sess.ID, "owner", sess.Owner)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug("sqlite: create session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (conclave.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get session", "id", id)

	var sess conclave.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, title, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return conclave.Session{}, fmt.Errorf("session %s: %w", id, conclave.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get session failed", "id", id, "error", err, "duration", time.Since(start))
		return conclave.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most recent activity. An empty
// owner selects every session.
func (s *Store) ListSessions(ctx context.Context, owner string) ([]conclave.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "owner", owner)

	query := `SELECT id, owner, title, created_at, updated_at FROM sessions`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []conclave.Session
	for rows.Next() {
		var sess conclave.Session
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(sessions), "duration", time.Since(start))
	return sessions, rows.Err()
}

func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	start := time.Now()
	s.logger.Debug("sqlite: rename session", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().Unix(), id,
	)
	if err != nil {
		s.logger.Error("sqlite: rename session failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, conclave.ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session and its messages in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete session", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete session commit failed", "id", id, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete session ok", "id", id, "duration", time.Since(start))
	return nil
}

// AppendMessage inserts a message and bumps the session's updated_at.
func (s *Store) AppendMessage(ctx context.Context, m conclave.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "id", m.ID, "session_id", m.SessionID, "role", m.Role, "agent", m.Agent)

	var agent *string
	if m.Agent != "" {
		agent = &m.Agent
	}
	var confidence *float64
	if m.Confidence != 0 {
		confidence = &m.Confidence
	}
	var contribJSON *string
	if len(m.Contributors) > 0 {
		data, _ := json.Marshal(m.Contributors)
		v := string(data)
		contribJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, agent, confidence, contributors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, agent, confidence, contribJSON, m.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, m.CreatedAt, m.SessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// Messages returns a session's log oldest first. A positive limit keeps only
// the most recent entries.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]conclave.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "session_id", sessionID, "limit", limit)

	query := `SELECT id, session_id, role, content, agent, confidence, contributors, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []conclave.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: get messages ok", "session_id", sessionID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

func scanMessage(rows *sql.Rows) (conclave.Message, error) {
	var m conclave.Message
	var agent sql.NullString
	var confidence sql.NullFloat64
	var contribJSON sql.NullString
	if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &agent, &confidence, &contribJSON, &m.CreatedAt); err != nil {
		return conclave.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if agent.Valid {
		m.Agent = agent.String
	}
	if confidence.Valid {
		m.Confidence = confidence.Float64
	}
	if contribJSON.Valid {
		_ = json.Unmarshal([]byte(contribJSON.String), &m.Contributors)
	}
	return m, nil
}

// PurgeMessages deletes messages whose content contains any pattern,
// case-insensitive, across all sessions. No patterns deletes nothing.
func (s *Store) PurgeMessages(ctx context.Context, patterns []string) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: purge messages", "patterns", len(patterns))

	if len(patterns) == 0 {
		return 0, nil
	}
	where, args := matchClause("content", patterns)
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE `+where, args...)
	if err != nil {
		s.logger.Error("sqlite: purge messages failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: purge messages ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get config", "key", key)

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("config %s: %w", key, conclave.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get config failed", "key", key, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set config", "key", key)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		s.logger.Error("sqlite: set config failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *Store) ListConfig(ctx context.Context, prefix string) (map[string]string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list config", "prefix", prefix)

	// instr avoids LIKE wildcard handling for prefixes containing underscores.
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM config WHERE instr(key, ?) = 1`, prefix)
	if err != nil {
		s.logger.Error("sqlite: list config failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		entries[k] = v
	}
	s.logger.Debug("sqlite: list config ok", "count", len(entries), "duration", time.Since(start))
	return entries, rows.Err()
}

// --- VectorStore ---

func (s *Store) StoreVector(ctx context.Context, rec conclave.VectorRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: store vector", "id", rec.ID, "dim", len(rec.Embedding), "tags", len(rec.Tags))

	var tagsJSON *string
	if len(rec.Tags) > 0 {
		data, _ := json.Marshal(rec.Tags)
		v := string(data)
		tagsJSON = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vector_records (id, text, embedding, tags, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Text, serializeEmbedding(rec.Embedding), tagsJSON, rec.Importance, rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store vector failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store vector: %w", err)
	}
	s.logger.Debug("sqlite: store vector ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// SearchVectors performs brute-force cosine similarity search. When tags are
// given only records carrying every tag are considered.
func (s *Store) SearchVectors(ctx context.Context, embedding []float32, k int, tags []string) ([]conclave.ScoredVector, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search vectors", "top_k", k, "embedding_dim", len(embedding), "tags", len(tags))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, embedding, tags, importance, created_at FROM vector_records`)
	if err != nil {
		s.logger.Error("sqlite: search vectors failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	defer rows.Close()

	var results []conclave.ScoredVector
	scanned := 0
	for rows.Next() {
		rec, err := scanVectorRecord(rows)
		if err != nil {
			return nil, err
		}
		scanned++
		if !hasAllTags(rec.Tags, tags) {
			continue
		}
		stored, err := deserializeEmbedding(rec.rawEmbedding)
		if err != nil {
			continue
		}
		rec.VectorRecord.Embedding = stored
		results = append(results, conclave.ScoredVector{
			Record: rec.VectorRecord,
			Score:  float64(cosineSimilarity(embedding, stored)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	s.logger.Debug("sqlite: search vectors ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// DeleteVectors removes records whose text contains any pattern,
// case-insensitive. No patterns removes everything.
func (s *Store) DeleteVectors(ctx context.Context, patterns []string) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete vectors", "patterns", len(patterns))

	query := `DELETE FROM vector_records`
	var args []any
	if len(patterns) > 0 {
		where, wargs := matchClause("text", patterns)
		query += ` WHERE ` + where
		args = wargs
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: delete vectors failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete vectors ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

func (s *Store) ListVectors(ctx context.Context) ([]conclave.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, embedding, tags, importance, created_at
		 FROM vector_records ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var records []conclave.VectorRecord
	for rows.Next() {
		rec, err := scanVectorRecord(rows)
		if err != nil {
			return nil, err
		}
		rec.VectorRecord.Embedding, _ = deserializeEmbedding(rec.rawEmbedding)
		records = append(records, rec.VectorRecord)
	}
	return records, rows.Err()
}

func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

// DecayVectors multiplies every record's importance by factor and removes
// records that fall below floor.
func (s *Store) DecayVectors(ctx context.Context, factor, floor float64) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: decay vectors", "factor", factor, "floor", floor)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE vector_records SET importance = importance * ?`, factor); err != nil {
		return 0, fmt.Errorf("decay vectors: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM vector_records WHERE importance < ?`, floor)
	if err != nil {
		return 0, fmt.Errorf("sweep decayed vectors: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: decay vectors ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

// scannedVector pairs a record with its raw embedding column so callers
// decide whether to pay for deserialization.
type scannedVector struct {
	conclave.VectorRecord
	rawEmbedding string
}

func scanVectorRecord(rows *sql.Rows) (scannedVector, error) {
	var rec scannedVector
	var tagsJSON sql.NullString
	if err := rows.Scan(&rec.ID, &rec.Text, &rec.rawEmbedding, &tagsJSON, &rec.Importance, &rec.CreatedAt); err != nil {
		return scannedVector{}, fmt.Errorf("scan vector: %w", err)
	}
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}
	return rec, nil
}

func hasAllTags(got, want []string) bool {
	for _, w := range want {
		found := false
		for _, g := range got {
			if g == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// --- DocumentStore ---

// StoreDocumentRecord inserts a document and its FTS entry in one
// transaction.
func (s *Store) StoreDocumentRecord(ctx context.Context, rec conclave.DocumentRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: store document", "id", rec.ID, "bytes", len(rec.Text))

	var metaJSON *string
	if len(rec.Metadata) > 0 {
		data, _ := json.Marshal(rec.Metadata)
		v := string(data)
		metaJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, text, metadata, created_at)
		 VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Text, metaJSON, rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert document failed", "id", rec.ID, "error", err)
		return fmt.Errorf("insert document: %w", err)
	}

	// Keep FTS index in sync.
	_, _ = tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE doc_id = ?`, rec.ID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents_fts(doc_id, content) VALUES (?, ?)`, rec.ID, rec.Text); err != nil {
		return fmt.Errorf("insert document fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: store document commit failed", "id", rec.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: store document ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// SearchDocuments runs an FTS5 keyword query. User text is quoted per token
// so FTS5 operators in it are inert.
func (s *Store) SearchDocuments(ctx context.Context, query string, k int) ([]conclave.ScoredDocument, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search documents", "query", query, "top_k", k)

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.text, d.metadata, d.created_at, f.rank
		 FROM documents_fts f
		 JOIN documents d ON d.id = f.doc_id
		 WHERE documents_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		match, k,
	)
	if err != nil {
		s.logger.Error("sqlite: search documents failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var results []conclave.ScoredDocument
	for rows.Next() {
		var rec conclave.DocumentRecord
		var metaJSON sql.NullString
		var rank float64
		if err := rows.Scan(&rec.ID, &rec.Text, &metaJSON, &rec.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := -rank
		if score < 0 {
			score = 0
		}
		results = append(results, conclave.ScoredDocument{Record: rec, Score: score})
	}
	s.logger.Debug("sqlite: search documents ok", "returned", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// DeleteDocuments removes records whose text contains any pattern,
// case-insensitive, along with their FTS entries. No patterns removes
// everything.
func (s *Store) DeleteDocuments(ctx context.Context, patterns []string) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete documents", "patterns", len(patterns))

	where := ""
	var args []any
	if len(patterns) > 0 {
		clause, wargs := matchClause("text", patterns)
		where = ` WHERE ` + clause
		args = wargs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents_fts WHERE doc_id IN (SELECT id FROM documents`+where+`)`,
		args...); err != nil {
		return 0, fmt.Errorf("delete document fts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete documents ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

func (s *Store) ListDocumentRecords(ctx context.Context) ([]conclave.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, metadata, created_at FROM documents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var records []conclave.DocumentRecord
	for rows.Next() {
		var rec conclave.DocumentRecord
		var metaJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Text, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// --- RelationStore ---

// StoreRelation upserts a triplet; the subject-predicate-object tuple is the
// primary key, so storing again updates confidence.
func (s *Store) StoreRelation(ctx context.Context, rel conclave.Relation) error {
	start := time.Now()
	s.logger.Debug("sqlite: store relation", "subject", rel.Subject, "predicate", rel.Predicate)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO relations (subject, predicate, object, confidence)
		 VALUES (?, ?, ?, ?)`,
		rel.Subject, rel.Predicate, rel.Object, rel.Confidence,
	)
	if err != nil {
		s.logger.Error("sqlite: store relation failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("store relation: %w", err)
	}
	return nil
}

// SearchRelations returns triplets whose subject, predicate, or object
// contains the pattern, case-insensitive, highest confidence first.
func (s *Store) SearchRelations(ctx context.Context, pattern string, k int) ([]conclave.Relation, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search relations", "pattern", pattern, "top_k", k)

	query := `SELECT subject, predicate, object, confidence FROM relations`
	var args []any
	if pattern != "" {
		query += ` WHERE instr(lower(subject), lower(?)) > 0
			OR instr(lower(predicate), lower(?)) > 0
			OR instr(lower(object), lower(?)) > 0`
		args = append(args, pattern, pattern, pattern)
	}
	query += ` ORDER BY confidence DESC, subject, predicate LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: search relations failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search relations: %w", err)
	}
	defer rows.Close()

	relations, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: search relations ok", "returned", len(relations), "duration", time.Since(start))
	return relations, nil
}

// DeleteRelations removes triplets where any field contains any pattern,
// case-insensitive. No patterns removes everything.
func (s *Store) DeleteRelations(ctx context.Context, patterns []string) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete relations", "patterns", len(patterns))

	query := `DELETE FROM relations`
	var args []any
	if len(patterns) > 0 {
		clauses := make([]string, 0, len(patterns))
		for _, p := range patterns {
			clauses = append(clauses, `(instr(lower(subject), lower(?)) > 0
				OR instr(lower(predicate), lower(?)) > 0
				OR instr(lower(object), lower(?)) > 0)`)
			args = append(args, p, p, p)
		}
		query += ` WHERE ` + strings.Join(clauses, " OR ")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: delete relations failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("delete relations: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete relations ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

func (s *Store) ListRelations(ctx context.Context) ([]conclave.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, predicate, object, confidence FROM relations ORDER BY subject, predicate, object`)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

func (s *Store) CountRelations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return n, nil
}

func scanRelations(rows *sql.Rows) ([]conclave.Relation, error) {
	var relations []conclave.Relation
	for rows.Next() {
		var rel conclave.Relation
		if err := rows.Scan(&rel.Subject, &rel.Predicate, &rel.Object, &rel.Confidence); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// --- helpers ---

// matchClause builds an OR chain of case-insensitive substring conditions
// over one column.
func matchClause(column string, patterns []string) (string, []any) {
	clauses := make([]string, 0, len(patterns))
	args := make([]any, 0, len(patterns))
	for _, p := range patterns {
		clauses = append(clauses, `instr(lower(`+column+`), lower(?)) > 0`)
		args = append(args, p)
	}
	return strings.Join(clauses, " OR "), args
}

// ftsQuery turns free text into an FTS5 query of quoted tokens.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
