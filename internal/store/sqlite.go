package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sortableTime keeps created_at/updated_at lexically ordered.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// SQLite keeps every collection in the records table as JSON text.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, Now: time.Now}
}

func (s *SQLite) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(sortableTime)
	}
	return s.Now().UTC().Format(sortableTime)
}

func (s *SQLite) Create(ctx context.Context, collection, id string, doc any) error {
	m, err := toMap(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO records(collection,id,doc,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(collection,id) DO NOTHING`, collection, id, string(data), now, now)
	if err != nil {
		return wrap("create", collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrExists)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var doc string
	err := s.DB.QueryRowContext(ctx, `SELECT doc FROM records WHERE collection=? AND id=?`, collection, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get", collection, err)
	}
	return []byte(doc), nil
}

func (s *SQLite) List(ctx context.Context, collection string, q Query) ([][]byte, error) {
	if err := checkQuery(q); err != nil {
		return nil, err
	}
	clauses := []string{"collection=?"}
	args := []any{collection}
	for _, c := range q.Where {
		clauses = append(clauses, fmt.Sprintf("json_extract(doc,'$.%s')=?", c.Field))
		args = append(args, c.Value)
	}
	query := `SELECT doc FROM records WHERE ` + strings.Join(clauses, " AND ")
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		query += fmt.Sprintf(" ORDER BY json_extract(doc,'$.%s') %s, created_at %s, id %s", q.OrderBy, dir, dir, dir)
	} else {
		query += " ORDER BY created_at " + dir + ", id " + dir
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list", collection, err)
	}
	defer rows.Close()
	var res [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, wrap("list", collection, err)
		}
		res = append(res, []byte(doc))
	}
	return res, wrap("list", collection, rows.Err())
}

func (s *SQLite) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrap("update", collection, err)
	}
	defer tx.Rollback()
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM records WHERE collection=? AND id=?`, collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return wrap("update", collection, err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	doc, err = mergeFields(doc, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE records SET doc=?, updated_at=? WHERE collection=? AND id=?`,
		string(data), s.now(), collection, id); err != nil {
		return wrap("update", collection, err)
	}
	return wrap("update", collection, tx.Commit())
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM records WHERE collection=? AND id=?`, collection, id)
	return wrap("delete", collection, err)
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}
