package points

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"apjsurvey/internal/store"
)

// SetStore persists completed-point sets as JSON arrays under a string key. Load returns an
// empty set for a missing key.
type SetStore interface {
	Load(ctx context.Context, key string) ([]string, error)
	Save(ctx context.Context, key string, ids []string) error
}

// Key is the storage key for a task's completed points.
func Key(taskID string) string {
	return "completed_points_" + taskID
}

func decodeSet(key string, raw []byte) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return ids, nil
}

// SQLiteStore keeps sets in the kv table next to the record store.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLiteStore) Load(ctx context.Context, key string) ([]string, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, &store.Error{Op: "load", Collection: key, Err: err}
	}
	return decodeSet(key, []byte(raw))
}

func (s SQLiteStore) Save(ctx context.Context, key string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(data), now().UTC().Format(time.RFC3339))
	if err != nil {
		return &store.Error{Op: "save", Collection: key, Err: err}
	}
	return nil
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps sets as plain string values so they stay readable from other clients.
type RedisStore struct {
	Client *redis.Client
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{Client: client}, nil
}

func (r *RedisStore) Load(ctx context.Context, key string) ([]string, error) {
	raw, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	if err != nil {
		return nil, &store.Error{Op: "load", Collection: key, Err: err}
	}
	return decodeSet(key, raw)
}

func (r *RedisStore) Save(ctx context.Context, key string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := r.Client.Set(ctx, key, data, 0).Err(); err != nil {
		return &store.Error{Op: "save", Collection: key, Err: err}
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.Client.Close()
}
