package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"xray-chatbot/pkg"
)

// RedisOptions configures the redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// TTL bounds how long a report stays downloadable.  Zero keeps it until
	// evicted by redis.
	TTL time.Duration
	// Prefix namespaces keys, "report:" by default.
	Prefix string
}

// RedisStore keeps documents in redis so any server replica can serve the
// download.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects to redis and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Address, err)
	}
	return newRedisStore(client, opts), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "report:"
	}
	return &RedisStore{client: client, ttl: opts.TTL, prefix: prefix}
}

func (s *RedisStore) Put(ctx context.Context, id string, doc pkg.Document) error {
	raw, err := encode(doc, time.Time{})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+id, raw, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*pkg.Document, error) {
	raw, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return r.document(), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
