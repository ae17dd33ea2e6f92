// Package store is the record store: JSON documents addressed by collection name and id.
//
// There are no multi-document transactions. Each Create, Update and Delete touches exactly one
// document and either lands completely or not at all; concurrent writers to the same document
// are not detected and the last write wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Error reports a failure of the storage backend itself. Callers may retry; the store never
// does.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, collection string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) {
		return err
	}
	return &Error{Op: op, Collection: collection, Err: err}
}

// Cond is an equality match on a top-level document field.
type Cond struct {
	Field string
	Value string
}

type Query struct {
	Where   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// Eq builds a query with equality conditions given as field/value pairs.
func Eq(pairs ...string) Query {
	var q Query
	for i := 0; i+1 < len(pairs); i += 2 {
		q.Where = append(q.Where, Cond{Field: pairs[i], Value: pairs[i+1]})
	}
	return q
}

type Store interface {
	// Create inserts doc under id. ErrExists if the id is taken.
	Create(ctx context.Context, collection, id string, doc any) error
	// Get returns the raw JSON document. ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) ([]byte, error)
	List(ctx context.Context, collection string, q Query) ([][]byte, error)
	// Update replaces the given top-level fields; a nil value removes the field.
	// ErrNotFound if the document is absent.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkQuery(q Query) error {
	for _, c := range q.Where {
		if !fieldName.MatchString(c.Field) {
			return fmt.Errorf("invalid field name %q", c.Field)
		}
	}
	if q.OrderBy != "" && !fieldName.MatchString(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	return nil
}

// GetAs fetches and decodes a single document.
func GetAs[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	var out T
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

// ListAs runs q and decodes every matching document.
func ListAs[T any](ctx context.Context, s Store, collection string, q Query) ([]T, error) {
	rows, err := s.List(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	res := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		res = append(res, item)
	}
	return res, nil
}

// mergeFields applies an Update field set onto a decoded document.
func mergeFields(doc map[string]any, fields map[string]any) (map[string]any, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	for k, v := range fields {
		if v == nil {
			delete(doc, k)
			continue
		}
		normalized, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		if normalized == nil {
			delete(doc, k)
			continue
		}
		doc[k] = normalized
	}
	return doc, nil
}

// normalize round-trips v through JSON so typed nil pointers and structs become plain values.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(doc any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return m, nil
}
