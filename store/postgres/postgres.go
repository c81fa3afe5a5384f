// Package postgres implements every conclave store interface using
// PostgreSQL with pgvector for native vector similarity search and
// tsvector for full-text document search.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conclave"
)

// Store implements conclave.SessionStore plus all three memory store
// interfaces backed by PostgreSQL. Vector search uses HNSW indexes with
// cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ conclave.SessionStore = (*Store)(nil)
var _ conclave.VectorStore = (*Store)(nil)
var _ conclave.DocumentStore = (*Store)(nil)
var _ conclave.RelationStore = (*Store)(nil)

// New creates a Store over an existing pgxpool.Pool. The store takes
// ownership: Close releases the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions(owner)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT,
			confidence DOUBLE PRECISION,
			contributors JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_records (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			embedding %s,
			tags TEXT[] NOT NULL DEFAULT '{}',
			importance DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS vector_records_embedding_idx ON vector_records USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_fts_idx ON documents USING gin(to_tsvector('english', text))`,

		`CREATE TABLE IF NOT EXISTS relations (
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (subject, predicate, object)
		)`,

		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess conclave.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.Owner, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (conclave.Session, error) {
	var sess conclave.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, title, created_at, updated_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return conclave.Session{}, fmt.Errorf("session %s: %w", id, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, owner string) ([]conclave.Session, error) {
	query := `SELECT id, owner, title, created_at, updated_at FROM sessions`
	var args []any
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []conclave.Session
	for rows.Next() {
		var sess conclave.Session
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $1, updated_at = EXTRACT(EPOCH FROM now())::bigint WHERE id = $2`,
		title, id)
	if err != nil {
		return fmt.Errorf("postgres: rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, conclave.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m conclave.Message) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, agent, confidence, contributors, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		m.ID, m.SessionID, m.Role, m.Content, agent, confidence, contribJSON, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, m.CreatedAt, m.SessionID); err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// Messages returns a session's log oldest first. A positive limit keeps only
// the most recent entries.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]conclave.Message, error) {
	query := `SELECT id, session_id, role, content, agent, confidence, contributors, created_at
		 FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []conclave.Message
	for rows.Next() {
		var m conclave.Message
		var agent *string
		var confidence *float64
		var contribJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &agent, &confidence, &contribJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if agent != nil {
			m.Agent = *agent
		}
		if confidence != nil {
			m.Confidence = *confidence
		}
		if contribJSON != nil {
			_ = json.Unmarshal(contribJSON, &m.Contributors)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) PurgeMessages(ctx context.Context, patterns []string) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	where, args := matchClause("content", patterns, 1)
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("config %s: %w", key, conclave.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres: set config: %w", err)
	}
	return nil
}

func (s *Store) ListConfig(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM config WHERE strpos(key, $1) = 1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: list config: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan config: %w", err)
		}
		entries[k] = v
	}
	return entries, rows.Err()
}

// --- VectorStore ---

func (s *Store) StoreVector(ctx context.Context, rec conclave.VectorRecord) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vector_records (id, text, embedding, tags, importance, created_at)
		 VALUES ($1, $2, $3::vector, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   text = EXCLUDED.text,
		   embedding = EXCLUDED.embedding,
		   tags = EXCLUDED.tags,
		   importance = EXCLUDED.importance,
		   created_at = EXCLUDED.created_at`,
		rec.ID, rec.Text, serializeEmbedding(rec.Embedding), tags, rec.Importance, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store vector: %w", err)
	}
	return nil
}

// SearchVectors uses pgvector's cosine distance operator with the HNSW
// index. When tags are given only records carrying every tag are considered.
func (s *Store) SearchVectors(ctx context.Context, embedding []float32, k int, tags []string) ([]conclave.ScoredVector, error) {
	embStr := serializeEmbedding(embedding)

	query := `SELECT id, text, tags, importance, created_at,
	        1 - (embedding <=> $1::vector) AS score
	 FROM vector_records
	 WHERE embedding IS NOT NULL`
	args := []any{embStr}
	if len(tags) > 0 {
		query += ` AND tags @> $2`
		args = append(args, tags)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1::vector LIMIT %d`, k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search vectors: %w", err)
	}
	defer rows.Close()

	var results []conclave.ScoredVector
	for rows.Next() {
		var rec conclave.VectorRecord
		var score float64
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Tags, &rec.Importance, &rec.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector: %w", err)
		}
		results = append(results, conclave.ScoredVector{Record: rec, Score: score})
	}
	return results, rows.Err()
}

func (s *Store) DeleteVectors(ctx context.Context, patterns []string) (int, error) {
	query := `DELETE FROM vector_records`
	var args []any
	if len(patterns) > 0 {
		where, wargs := matchClause("text", patterns, 1)
		query += ` WHERE ` + where
		args = wargs
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete vectors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListVectors(ctx context.Context) ([]conclave.VectorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, embedding::text, tags, importance, created_at
		 FROM vector_records ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vectors: %w", err)
	}
	defer rows.Close()

	var records []conclave.VectorRecord
	for rows.Next() {
		var rec conclave.VectorRecord
		var embStr *string
		if err := rows.Scan(&rec.ID, &rec.Text, &embStr, &rec.Tags, &rec.Importance, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan vector: %w", err)
		}
		if embStr != nil {
			rec.Embedding = deserializeEmbedding(*embStr)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count vectors: %w", err)
	}
	return n, nil
}

func (s *Store) DecayVectors(ctx context.Context, factor, floor float64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE vector_records SET importance = importance * $1`, factor); err != nil {
		return 0, fmt.Errorf("postgres: decay vectors: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM vector_records WHERE importance < $1`, floor)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep decayed vectors: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- DocumentStore ---

func (s *Store) StoreDocumentRecord(ctx context.Context, rec conclave.DocumentRecord) error {
	var metaJSON *string
	if len(rec.Metadata) > 0 {
		data, _ := json.Marshal(rec.Metadata)
		v := string(data)
		metaJSON = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, text, metadata, created_at)
		 VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   text = EXCLUDED.text,
		   metadata = EXCLUDED.metadata,
		   created_at = EXCLUDED.created_at`,
		rec.ID, rec.Text, metaJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store document: %w", err)
	}
	return nil
}

// SearchDocuments runs a tsvector full-text query; plainto_tsquery treats
// the user text as plain words.
func (s *Store) SearchDocuments(ctx context.Context, query string, k int) ([]conclave.ScoredDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, metadata, created_at,
		        ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) AS score
		 FROM documents
		 WHERE to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search documents: %w", err)
	}
	defer rows.Close()

	var results []conclave.ScoredDocument
	for rows.Next() {
		var rec conclave.DocumentRecord
		var metaJSON []byte
		var score float64
		if err := rows.Scan(&rec.ID, &rec.Text, &metaJSON, &rec.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &rec.Metadata)
		}
		results = append(results, conclave.ScoredDocument{Record: rec, Score: score})
	}
	return results, rows.Err()
}

func (s *Store) DeleteDocuments(ctx context.Context, patterns []string) (int, error) {
	query := `DELETE FROM documents`
	var args []any
	if len(patterns) > 0 {
		where, wargs := matchClause("text", patterns, 1)
		query += ` WHERE ` + where
		args = wargs
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete documents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListDocumentRecords(ctx context.Context) ([]conclave.DocumentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, metadata, created_at FROM documents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var records []conclave.DocumentRecord
	for rows.Next() {
		var rec conclave.DocumentRecord
		var metaJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Text, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &rec.Metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count documents: %w", err)
	}
	return n, nil
}

// --- RelationStore ---

func (s *Store) StoreRelation(ctx context.Context, rel conclave.Relation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relations (subject, predicate, object, confidence)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (subject, predicate, object) DO UPDATE SET confidence = EXCLUDED.confidence`,
		rel.Subject, rel.Predicate, rel.Object, rel.Confidence)
	if err != nil {
		return fmt.Errorf("postgres: store relation: %w", err)
	}
	return nil
}

func (s *Store) SearchRelations(ctx context.Context, pattern string, k int) ([]conclave.Relation, error) {
	query := `SELECT subject, predicate, object, confidence FROM relations`
	var args []any
	n := 1
	if pattern != "" {
		query += fmt.Sprintf(` WHERE strpos(lower(subject), lower($%d)) > 0
			OR strpos(lower(predicate), lower($%d)) > 0
			OR strpos(lower(object), lower($%d)) > 0`, n, n, n)
		args = append(args, pattern)
		n++
	}
	query += fmt.Sprintf(` ORDER BY confidence DESC, subject, predicate LIMIT $%d`, n)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search relations: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

func (s *Store) DeleteRelations(ctx context.Context, patterns []string) (int, error) {
	query := `DELETE FROM relations`
	var args []any
	if len(patterns) > 0 {
		clauses := make([]string, 0, len(patterns))
		for i, p := range patterns {
			n := i + 1
			clauses = append(clauses, fmt.Sprintf(`(strpos(lower(subject), lower($%d)) > 0
				OR strpos(lower(predicate), lower($%d)) > 0
				OR strpos(lower(object), lower($%d)) > 0)`, n, n, n))
			args = append(args, p)
		}
		query += ` WHERE ` + strings.Join(clauses, " OR ")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete relations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListRelations(ctx context.Context) ([]conclave.Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject, predicate, object, confidence FROM relations ORDER BY subject, predicate, object`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list relations: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

func (s *Store) CountRelations(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM relations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count relations: %w", err)
	}
	return n, nil
}

func scanRelations(rows pgx.Rows) ([]conclave.Relation, error) {
	var relations []conclave.Relation
	for rows.Next() {
		var rel conclave.Relation
		if err := rows.Scan(&rel.Subject, &rel.Predicate, &rel.Object, &rel.Confidence); err != nil {
			return nil, fmt.Errorf("postgres: scan relation: %w", err)
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// --- helpers ---

// matchClause builds an OR chain of case-insensitive substring conditions
// over one column, numbering placeholders from start.
func matchClause(column string, patterns []string, start int) (string, []any) {
	clauses := make([]string, 0, len(patterns))
	args := make([]any, 0, len(patterns))
	for i, p := range patterns {
		clauses = append(clauses, fmt.Sprintf(`strpos(lower(%s), lower($%d)) > 0`, column, start+i))
		args = append(args, p)
	}
	return strings.Join(clauses, " OR "), args
}

// serializeEmbedding renders a pgvector literal.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// deserializeEmbedding parses a pgvector literal back to []float32.
func deserializeEmbedding(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
