package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/inspired27/aldidata/internal/config"
	"github.com/redis/go-redis/v9"
)

const opKeyPrefix = "aldidata:op:"

// RedisStore is the Redis-backed Store for multi-process deployments. Each
// operation is one hash; Seq monotonicity comes from HINCRBY and finished
// records expire after the retention window.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// OpenRedis connects the Redis progress store and verifies the connection.
func OpenRedis(cfg config.RedisConfig, retention time.Duration) (*RedisStore, error) {
	if retention == 0 {
		retention = DefaultRetention
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  config.Duration(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 3*time.Second),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, retention: retention}, nil
}

// Init creates a record and returns its opaque id.
func (s *RedisStore) Init(ctx context.Context, msg string) (string, error) {
	id := uuid.NewString()
	key := opKeyPrefix + id
	err := s.client.HSet(ctx, key,
		"msg", msg,
		"seq", 1,
		"done", 0,
		"ok", 1,
		"result", "",
		"ts", time.Now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Set updates the record's message and bumps Seq. No-op once Done.
func (s *RedisStore) Set(ctx context.Context, id, msg string) error {
	key := opKeyPrefix + id
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	done, err := s.client.HGet(ctx, key, "done").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if done == "1" {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "msg", msg, "ts", time.Now().Format(time.RFC3339Nano))
	pipe.HIncrBy(ctx, key, "seq", 1)
	_, err = pipe.Exec(ctx)
	return err
}

// Done marks the record terminal and starts its retention expiry.
func (s *RedisStore) Done(ctx context.Context, id string, ok bool, result any) error {
	key := opKeyPrefix + id
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	done, err := s.client.HGet(ctx, key, "done").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if done == "1" {
		return nil
	}

	var resultJSON []byte
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	okVal := 0
	if ok {
		okVal = 1
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"done", 1,
		"ok", okVal,
		"result", string(resultJSON),
		"ts", time.Now().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, s.retention)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the record, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	key := opKeyPrefix + id
	data, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return parseRecord(data)
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseRecord(data map[string]string) (*Record, error) {
	rec := &Record{Message: data["msg"]}

	if seq, err := strconv.ParseInt(data["seq"], 10, 64); err == nil {
		rec.Seq = seq
	}
	rec.Done = data["done"] == "1"
	rec.OK = data["ok"] == "1"

	if raw := data["result"]; raw != "" {
		var result any
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		rec.Result = result
	}

	if ts, err := time.Parse(time.RFC3339Nano, data["ts"]); err == nil {
		rec.At = ts
	}

	return rec, nil
}
