// Package store implements the task-state store on Redis. Each task is
// stored as a JSON string under the key pattern task:{task_id} with a
// TTL that bounds the record's lifetime.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xycdaimi/AIFlow/core"
)

// RedisTaskStore implements core.TaskStore on a Redis client.
type RedisTaskStore struct {
	client *redis.Client
	config RedisTaskStoreConfig
	logger core.Logger
}

// RedisTaskStoreConfig configures the Redis task store.
type RedisTaskStoreConfig struct {
	// KeyPrefix is the prefix for all task keys.
	// Default: "task"
	KeyPrefix string `json:"key_prefix"`

	// RetryAttempts is the number of retries for failed Redis operations.
	// Default: 3
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the delay between retry attempts.
	// Default: 100ms
	RetryDelay time.Duration `json:"retry_delay"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultRedisTaskStoreConfig returns default configuration.
func DefaultRedisTaskStoreConfig() RedisTaskStoreConfig {
	return RedisTaskStoreConfig{
		KeyPrefix:     "task",
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NewRedisTaskStore connects to Redis and returns a task store.
func NewRedisTaskStore(redisURL string, config *RedisTaskStoreConfig) (*RedisTaskStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrInvalidConfiguration)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", core.ErrConnectionFailed)
	}

	return NewRedisTaskStoreWithClient(client, config), nil
}

// NewRedisTaskStoreWithClient wraps an existing client. The client
// should already be connected.
func NewRedisTaskStoreWithClient(client *redis.Client, config *RedisTaskStoreConfig) *RedisTaskStore {
	if config == nil {
		defaultConfig := DefaultRedisTaskStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "task"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}

	return &RedisTaskStore{
		client: client,
		config: *config,
		logger: config.Logger,
	}
}

// taskKey returns the Redis key for a task.
func (s *RedisTaskStore) taskKey(taskID string) string {
	return fmt.Sprintf("%s:%s", s.config.KeyPrefix, taskID)
}

// SetTask persists the record with the given TTL, overwriting any
// previous value.
func (s *RedisTaskStore) SetTask(ctx context.Context, record *core.TaskRecord, ttl time.Duration) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.TaskID == "" {
		return core.ErrMissingTaskID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	key := s.taskKey(record.TaskID)
	err = s.withRetry(ctx, func() error {
		return s.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to persist task", map[string]interface{}{
				"task_id": record.TaskID,
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("failed to persist task: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("Task persisted", map[string]interface{}{
			"task_id": record.TaskID,
			"status":  record.Status,
		})
	}
	return nil
}

// GetTask retrieves a record by ID.
// Returns core.ErrTaskNotFound if the record doesn't exist.
func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (*core.TaskRecord, error) {
	if taskID == "" {
		return nil, core.ErrMissingTaskID
	}

	data, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var record core.TaskRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &record, nil
}

// DeleteTask removes the record, reporting whether it existed.
func (s *RedisTaskStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, core.ErrMissingTaskID
	}

	deleted, err := s.client.Del(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}

	if s.logger != nil && deleted > 0 {
		s.logger.Info("Task deleted", map[string]interface{}{
			"task_id": taskID,
		})
	}
	return deleted > 0, nil
}

// MarkProcessing upgrades PENDING to PROCESSING with an optimistic
// WATCH transaction. The record keeps its remaining TTL. Returns false
// without error when the record is missing or no longer PENDING.
func (s *RedisTaskStore) MarkProcessing(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, core.ErrMissingTaskID
	}

	key := s.taskKey(taskID)
	upgraded := false

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}

		var record core.TaskRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return err
		}
		if record.Status != core.TaskStatusPending {
			return nil
		}

		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0
		}

		record.Status = core.TaskStatusProcessing
		record.Touch()
		updated, err := json.Marshal(&record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		if err == nil {
			upgraded = true
		}
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// Lost the race; the other writer's view wins.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark task processing: %w", err)
	}
	return upgraded, nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisTaskStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// withRetry runs fn up to RetryAttempts times with RetryDelay between
// attempts, respecting context cancellation.
func (s *RedisTaskStore) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == s.config.RetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.RetryDelay):
		}
	}
	return lastErr
}
