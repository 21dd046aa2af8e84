package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"flowsync/internal/flowchart"
)

const (
	redisKeyPrefix   = "flowchart:"
	redisIndexKey    = "flowcharts:by_updated"
	redisUpdateTries = 5
)

// RedisStore keeps one JSON value per flowchart and a sorted set of ids
// scored by update time for listing.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed document store
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

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, doc flowchart.Document) (flowchart.Document, error) {
	created := prepareCreate(doc, s.now())
	payload, err := json.Marshal(created)
	if err != nil {
		return flowchart.Document{}, fmt.Errorf("encode flowchart: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(created.ID), payload, 0).Result()
	if err != nil {
		return flowchart.Document{}, persistenceError("save flowchart", err)
	}
	if !ok {
		return flowchart.Document{}, persistenceError("save flowchart", fmt.Errorf("id %s already taken", created.ID))
	}
	if err := s.client.ZAdd(ctx, redisIndexKey, redis.Z{Score: score(created.UpdatedAt), Member: created.ID}).Err(); err != nil {
		return flowchart.Document{}, persistenceError("index flowchart", err)
	}
	return created, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (flowchart.Document, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return flowchart.Document{}, fmt.Errorf("get %s: %w", id, flowchart.ErrNotFound)
	}
	if err != nil {
		return flowchart.Document{}, persistenceError("get flowchart", err)
	}
	return decodeRedisDocument(payload)
}

// Update guards the read-compare-write with WATCH so a concurrent writer
// carrying a newer version is never overwritten.
func (s *RedisStore) Update(ctx context.Context, doc flowchart.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode flowchart: %w", err)
	}
	key := s.key(doc.ID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update %s: %w", doc.ID, flowchart.ErrNotFound)
		}
		if err != nil {
			return err
		}
		stored, err := decodeRedisDocument(current)
		if err != nil {
			return err
		}
		if stored.Version > doc.Version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: score(doc.UpdatedAt), Member: doc.ID})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisUpdateTries; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil || errors.Is(err, flowchart.ErrNotFound) || errors.Is(err, flowchart.ErrPersistence) {
			return err
		}
		return persistenceError("update flowchart", err)
	}
	return persistenceError("update flowchart", fmt.Errorf("too much contention on %s", doc.ID))
}

func (s *RedisStore) List(ctx context.Context, query string, limit int) ([]flowchart.Summary, error) {
	limit = clampLimit(limit)
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, persistenceError("list flowcharts", err)
	}
	items := []flowchart.Summary{}
	if len(ids) == 0 {
		return items, nil
	}

	keys := make([]string, len(ids))
	for idx, id := range ids {
		keys[idx] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistenceError("list flowcharts", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		doc, err := decodeRedisDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		if needle != "" && !strings.Contains(strings.ToLower(doc.Name), needle) {
			continue
		}
		items = append(items, doc.Summary())
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return persistenceError("ping redis", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisDocument(payload []byte) (flowchart.Document, error) {
	var doc flowchart.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return flowchart.Document{}, persistenceError("decode flowchart", err)
	}
	if doc.Cards == nil {
		doc.Cards = []flowchart.Item{}
	}
	if doc.Connections == nil {
		doc.Connections = []flowchart.Item{}
	}
	return doc, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
