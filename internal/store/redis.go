package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"nurunuru-server/internal/types"
)

const redisScanPage = 500

// RedisStore implements Store using a sorted set of ids scored by created_at
// plus one JSON value per event.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	maxSize int
	ttl     time.Duration
}

// NewRedisStore creates a new Redis store from URL
// URL format: redis://[:password@]host:port/db
func NewRedisStore(redisURL, prefix string, maxSize int, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, maxSize, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, maxSize int, ttl time.Duration) *RedisStore {
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxEvents
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &RedisStore{client: client, prefix: prefix, maxSize: maxSize, ttl: ttl}
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "events"
}

func (r *RedisStore) eventKey(id string) string {
	return r.prefix + "event:" + id
}

func (r *RedisStore) Put(ctx context.Context, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SetNX(ctx, r.eventKey(evt.ID), data, r.ttl)
	pipe.ZAddNX(ctx, r.indexKey(), redis.Z{Score: float64(evt.CreatedAt), Member: evt.ID})
	// Keep only the newest maxSize ids
	pipe.ZRemRangeByRank(ctx, r.indexKey(), 0, int64(-r.maxSize-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (types.Event, bool, error) {
	data, err := r.client.Get(ctx, r.eventKey(id)).Bytes()
	if err == redis.Nil {
		return types.Event{}, false, nil
	}
	if err != nil {
		return types.Event{}, false, err
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return types.Event{}, false, err
	}
	return evt, true, nil
}

func (r *RedisStore) Query(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	if len(filter.IDs) > 0 {
		events, _, err := r.load(ctx, filter.IDs)
		if err != nil {
			return nil, err
		}
		var out []types.Event
		for _, evt := range events {
			if match(filter, evt) {
				out = append(out, evt)
			}
		}
		return sortNewest(out, filter.Limit), nil
	}

	max := "+inf"
	if filter.Until != nil {
		max = strconv.FormatInt(int64(*filter.Until), 10)
	}
	min := "-inf"
	if filter.Since != nil {
		min = strconv.FormatInt(int64(*filter.Since), 10)
	}

	var out []types.Event
	for offset := int64(0); offset < int64(r.maxSize); offset += redisScanPage {
		ids, err := r.client.ZRevRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  redisScanPage,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		events, missing, err := r.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			// Values expired; drop their index entries
			members := make([]interface{}, len(missing))
			for i, id := range missing {
				members[i] = id
			}
			if err := r.client.ZRem(ctx, r.indexKey(), members...).Err(); err != nil {
				slog.Debug("store: failed to prune expired ids", "error", err)
			}
		}

		for _, evt := range events {
			if match(filter, evt) {
				out = append(out, evt)
			}
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if len(ids) < redisScanPage {
			break
		}
	}
	return sortNewest(out, filter.Limit), nil
}

// load fetches event values for ids, returning the ids whose values are gone
func (r *RedisStore) load(ctx context.Context, ids []string) ([]types.Event, []string, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.eventKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	events := make([]types.Event, 0, len(values))
	var missing []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			missing = append(missing, ids[i])
			continue
		}
		events = append(events, evt)
	}
	return events, missing, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	return int(n), err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
