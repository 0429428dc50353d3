package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker keeps at most one search task per request across processes.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func lockKey(requestID string) string {
	return fmt.Sprintf("dispatch:search:%s", requestID)
}

// Acquire reports whether the caller now owns the search of requestID.
func (l *RedisLocker) Acquire(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, lockKey(requestID), time.Now().Unix(), ttl).Result()
}

// Release drops the lock.
func (l *RedisLocker) Release(ctx context.Context, requestID string) error {
	return l.rdb.Del(ctx, lockKey(requestID)).Err()
}

// RedisOfferLog remembers which drivers were offered a request.
type RedisOfferLog struct {
	rdb *redis.Client
}

// NewRedisOfferLog creates a RedisOfferLog.
func NewRedisOfferLog(rdb *redis.Client) *RedisOfferLog {
	return &RedisOfferLog{rdb: rdb}
}

func offersKey(requestID string) string {
	return fmt.Sprintf("dispatch:offered:%s", requestID)
}

// Record adds driverID to the offered set of requestID.
func (o *RedisOfferLog) Record(ctx context.Context, requestID string, driverID int64, ttl time.Duration) error {
	key := offersKey(requestID)
	pipe := o.rdb.TxPipeline()
	pipe.SAdd(ctx, key, driverID)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Offered lists the drivers offered requestID.
func (o *RedisOfferLog) Offered(ctx context.Context, requestID string) ([]int64, error) {
	members, err := o.rdb.SMembers(ctx, offersKey(requestID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Clear forgets the offered set.
func (o *RedisOfferLog) Clear(ctx context.Context, requestID string) error {
	return o.rdb.Del(ctx, offersKey(requestID)).Err()
}
