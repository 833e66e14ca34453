package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCacheStore keeps discovery results in Redis so a fleet of nodes
// on one host (or sidecars in one pod) can share resolution work.
// Keys are namespaced and carry a server-side TTL; an index set tracks
// which ids are cached so IDs() does not need a KEYS scan.
type RedisCacheStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisCacheStore connects to Redis and verifies the connection.
func NewRedisCacheStore(redisURL, namespace string, logger Logger) (*RedisCacheStore, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if namespace == "" {
		namespace = "agentnet"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	logger.Info("Redis cache store connected", map[string]interface{}{
		"namespace": namespace,
	})
	return &RedisCacheStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisCacheStore) Close() error {
	return r.client.Close()
}

func (r *RedisCacheStore) recordKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, id)
}

func (r *RedisCacheStore) indexKey() string {
	return fmt.Sprintf("%s:agents:index", r.namespace)
}

// Get returns the cached record, or (nil, nil) when the key is absent
// or has expired.
func (r *RedisCacheStore) Get(ctx context.Context, id string) (*AgentRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached record for %s: %w", id, err)
	}

	var record AgentRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		// A corrupt entry is treated as a miss; drop it.
		r.logger.Warn("Dropping unparseable cached record", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
		r.client.Del(ctx, r.recordKey(id))
		r.client.SRem(ctx, r.indexKey(), id)
		return nil, nil
	}
	return &record, nil
}

// Set stores the record with the given TTL and indexes its id.
func (r *RedisCacheStore) Set(ctx context.Context, record *AgentRecord, ttl time.Duration) error {
	if record == nil || record.ID == "" {
		return ErrInvalidConfiguration
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", record.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(record.ID), data, ttl)
	pipe.SAdd(ctx, r.indexKey(), record.ID)
	if ttl > 0 {
		pipe.Expire(ctx, r.indexKey(), ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache record for %s: %w", record.ID, err)
	}
	return nil
}

// Delete removes the record and its index entry.
func (r *RedisCacheStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.recordKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Clear removes every cached record in this namespace.
func (r *RedisCacheStore) Clear(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list cached ids: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.recordKey(id))
	}
	pipe.Del(ctx, r.indexKey())
	_, err = pipe.Exec(ctx)
	return err
}

// IDs returns the ids of all cached records. Entries whose record key
// expired but whose index entry lingers are filtered out lazily.
func (r *RedisCacheStore) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cached ids: %w", err)
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.recordKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists > 0 {
			out = append(out, id)
		} else {
			r.client.SRem(ctx, r.indexKey(), id)
		}
	}
	return out, nil
}
