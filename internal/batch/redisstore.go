package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisJobTTL is how long a mirrored job snapshot survives in Redis
// after its last update; jobs are ephemeral process state, the mirror
// exists only so a dashboard reading a different gateway instance (or a
// restarted one, recent history) can still see in-flight progress.
const redisJobTTL = 1 * time.Hour

// RedisStore mirrors job snapshots to Redis as they update, grounded on
// the teacher's control_plane/store/redis.go (redis.NewClient + Ping at
// construction, then plain Set/Get per call — no Lua scripting needed
// here since job mirroring has no contended read-modify-write).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies reachability before
// returning, the same fail-fast shape as the teacher's NewRedisStore.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client}, nil
}

func jobKey(id string) string {
	return "inferops:job:" + id
}

// SaveJob implements Store.
func (s *RedisStore) SaveJob(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	return s.client.Set(ctx, jobKey(job.ID), payload, redisJobTTL).Err()
}

// LoadJob fetches a mirrored snapshot, used by the HTTP facade as a
// fallback for a job_id this process instance never scheduled itself
// (e.g. behind a load balancer fronting multiple gateway replicas).
func (s *RedisStore) LoadJob(ctx context.Context, id string) (Job, bool, error) {
	payload, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshaling job %s: %w", id, err)
	}
	return job, true, nil
}
