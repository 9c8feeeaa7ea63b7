package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backoff store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackoff keeps backoff records in one Redis hash (field = chat id).
type RedisBackoff struct {
	client redis.UniversalClient
	key    string
}

var _ BackoffStore = (*RedisBackoff)(nil)

func NewRedisBackoff(cfg RedisConfig) (*RedisBackoff, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackoffWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisBackoffWithClient(client redis.UniversalClient, prefix string) *RedisBackoff {
	return &RedisBackoff{client: client, key: prefix + "chatMsgStack"}
}

// Ping checks connectivity.
func (r *RedisBackoff) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackoff) GetBackoff(ctx context.Context, chatID int64) (BackoffRecord, bool, error) {
	raw, err := r.client.HGet(ctx, r.key, strconv.FormatInt(chatID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return BackoffRecord{}, false, nil
	}
	if err != nil {
		return BackoffRecord{}, false, err
	}
	var rec BackoffRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return BackoffRecord{}, false, err
	}
	return rec, true, nil
}

func (r *RedisBackoff) PutBackoff(ctx context.Context, chatID int64, rec BackoffRecord) error {
	rec.Stack = stackOrEmpty(rec.Stack)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key, strconv.FormatInt(chatID, 10), string(b)).Err()
}

func (r *RedisBackoff) DeleteBackoff(ctx context.Context, chatID int64) error {
	return r.client.HDel(ctx, r.key, strconv.FormatInt(chatID, 10)).Err()
}

func (r *RedisBackoff) PruneBackoff(ctx context.Context, now time.Time) (int, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return 0, err
	}
	var expired []string
	for field, raw := range all {
		var rec BackoffRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || !rec.Active(now) {
			expired = append(expired, field)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.key, expired...).Result()
	return int(n), err
}

func (r *RedisBackoff) Close() error {
	return r.client.Close()
}
