package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists documents as JSON text in a single table and
// filters with json_extract.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			doc_key TEXT NOT NULL,
			doc TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
			PRIMARY KEY (collection, doc_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(collection, json_extract(doc, '$.user_id'))`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string, out any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE collection = ? AND doc_key = ?`, collection, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertSQL(ctx, s.db, collection, key, data); err != nil {
		return unavailable(fmt.Sprintf("upsert %s/%s", collection, key), err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSQL(ctx context.Context, db execer, collection, key string, data []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_key, doc)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, doc_key) DO UPDATE SET
			doc = excluded.doc,
			updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
	`, collection, key, string(data))
	return err
}

func (s *SQLiteStore) AppendToArray(ctx context.Context, collection, key, field string, value any, capacity int) error {
	if !fieldNameRegex.MatchString(field) {
		return fmt.Errorf("invalid field %q", field)
	}
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := fmt.Sprintf("append %s/%s.%s", collection, key, field)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	doc := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM documents WHERE collection = ? AND doc_key = ?`, collection, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return unavailable(op, err)
	default:
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
	}

	appendCapped(doc, field, normalized, capacity)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if err := upsertSQL(ctx, tx, collection, key, data); err != nil {
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	where, args, err := sqliteWhere(collection, q.Filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT doc FROM documents WHERE ` + where
	if q.Sort != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += ` ORDER BY json_extract(doc, ?) ` + dir + `, rowid ` + dir
		args = append(args, "$."+q.Sort)
	} else {
		query += ` ORDER BY rowid ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("find "+collection, err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("scan "+collection, err)
		}
		out = append(out, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate "+collection, err)
	}
	return out, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_key FROM documents WHERE collection = ? ORDER BY doc_key`, collection)
	if err != nil {
		return nil, unavailable("keys "+collection, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("scan keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate keys", err)
	}
	return keys, nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string, filter map[string]any) (int, error) {
	if err := validateQuery(Query{Filter: filter}); err != nil {
		return 0, err
	}
	where, args, err := sqliteWhere(collection, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, unavailable("count "+collection, err)
	}
	return n, nil
}

func sqliteWhere(collection string, filter map[string]any) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}

	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		v, err := sqliteValue(filter[f])
		if err != nil {
			return "", nil, fmt.Errorf("filter %s: %w", f, err)
		}
		clauses = append(clauses, "json_extract(doc, ?) = ?")
		args = append(args, "$."+f, v)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// sqliteValue maps a filter value onto what json_extract returns for it.
func sqliteValue(v any) (any, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	switch x := n.(type) {
	case string, float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case nil:
		return nil, fmt.Errorf("null filter values are not supported")
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}
