package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"plansync/internal/merge"
)

const (
	redisDocumentField   = "document"
	redisTimestampsField = "timestamps"
	redisUpdatedAtField  = "updated_at"

	defaultRedisRetries = 8
)

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// RedisStore keeps each vertical document in a hash holding the JSON-encoded
// document and field timestamps.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	docType    string
	maxRetries int
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "plansync:doc:",
		docType:    DocTypePlan,
		maxRetries: defaultRedisRetries,
	}
}

// Client exposes the underlying connection so the broadcast relay can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(vertical string) string {
	return s.prefix + vertical + ":" + s.docType
}

func (s *RedisStore) Load(ctx context.Context, vertical string) (merge.Document, merge.FieldTimestamps, error) {
	return s.read(ctx, s.client, vertical)
}

func (s *RedisStore) Store(ctx context.Context, vertical string, doc merge.Document, ts merge.FieldTimestamps) error {
	docJSON, tsJSON, err := encodeState(doc, ts)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(vertical),
		redisDocumentField, docJSON,
		redisTimestampsField, tsJSON,
		redisUpdatedAtField, time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return unavailable("store "+vertical, err)
	}
	return nil
}

// Update runs fn inside WATCH/MULTI and retries when another writer touched
// the key between the read and the commit.
func (s *RedisStore) Update(ctx context.Context, vertical string, fn UpdateFunc) error {
	key := s.key(vertical)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var fnErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			doc, ts, err := s.read(ctx, tx, vertical)
			if err != nil {
				return err
			}
			next, nextTs, write, err := fn(doc, ts)
			if err != nil {
				fnErr = err
				return err
			}
			if !write {
				return nil
			}
			docJSON, tsJSON, err := encodeState(next, nextTs)
			if err != nil {
				fnErr = err
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					redisDocumentField, docJSON,
					redisTimestampsField, tsJSON,
					redisUpdatedAtField, time.Now().UTC().Format(time.RFC3339Nano),
				)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrUnavailable):
			return err
		default:
			return unavailable("update "+vertical, err)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrContention, vertical, s.maxRetries)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) read(ctx context.Context, c hashReader, vertical string) (merge.Document, merge.FieldTimestamps, error) {
	values, err := c.HMGet(ctx, s.key(vertical), redisDocumentField, redisTimestampsField).Result()
	if err != nil {
		return nil, nil, unavailable("load "+vertical, err)
	}
	doc, ts, err := decodeState(hashBytes(values, 0), hashBytes(values, 1))
	if err != nil {
		return nil, nil, unavailable("load "+vertical, err)
	}
	return doc, ts, nil
}

func hashBytes(values []any, i int) []byte {
	if i >= len(values) {
		return nil
	}
	if s, ok := values[i].(string); ok {
		return []byte(s)
	}
	return nil
}
