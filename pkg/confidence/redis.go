package confidence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore aggregates confidence samples across worker processes. Each
// (workspace, section, minute) bucket is one hash keyed by result, expiring
// just past the 24h tail so pruning is Redis's problem.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps a connected client. An empty prefix defaults to
// "confidence".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "confidence"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       (bucketTailMinutes + 60) * time.Minute,
	}
}

func (s *RedisStore) key(workspaceID, section string, minute int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.keyPrefix, workspaceID, section, minute)
}

// Incr implements SampleStore.
func (s *RedisStore) Incr(ctx context.Context, workspaceID, section string, minute int64, result string) error {
	key := s.key(workspaceID, section, minute)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, result, 1)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Window implements SampleStore.
func (s *RedisStore) Window(ctx context.Context, workspaceID, section string, fromMinute, toMinute int64) (Counts, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, toMinute-fromMinute+1)
	for minute := fromMinute; minute <= toMinute; minute++ {
		cmds = append(cmds, pipe.HGetAll(ctx, s.key(workspaceID, section, minute)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, err
	}

	var total Counts
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return Counts{}, err
		}
		total.Equal += atoiField(fields, ResultEqual)
		total.Diff += atoiField(fields, ResultDiff)
		total.Error += atoiField(fields, ResultError)
	}
	return total, nil
}

func atoiField(fields map[string]string, key string) int {
	n, _ := strconv.Atoi(fields[key])
	return n
}
