// Package registry implements service registration and discovery on
// Redis. Service records are JSON values under aiflow:services:{id}
// with a TTL; name and capability index sets make discovery a set
// lookup instead of a scan. A heartbeat goroutine refreshes the TTL at
// half the expiry interval and re-registers if the record vanished.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xycdaimi/AIFlow/core"
)

const defaultNamespace = "aiflow"

// RedisRegistry implements core.Registry and core.Discovery.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// RedisRegistryConfig configures the registry client.
type RedisRegistryConfig struct {
	// RedisURL is the connection string, e.g. redis://localhost:6379.
	RedisURL string

	// Namespace prefixes all keys. Default: "aiflow".
	Namespace string

	// TTL is the service record expiry. Default: 30s.
	TTL time.Duration

	// Logger is optional.
	Logger core.Logger
}

// NewRedisRegistry connects to Redis and returns a registry client.
func NewRedisRegistry(config *RedisRegistryConfig) (*RedisRegistry, error) {
	if config == nil || config.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrInvalidConfiguration)
	}

	opt, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", core.ErrConnectionFailed)
	}

	return NewRedisRegistryWithClient(client, config), nil
}

// NewRedisRegistryWithClient wraps an existing connected client.
func NewRedisRegistryWithClient(client *redis.Client, config *RedisRegistryConfig) *RedisRegistry {
	namespace := defaultNamespace
	ttl := 30 * time.Second
	var logger core.Logger
	if config != nil {
		if config.Namespace != "" {
			namespace = config.Namespace
		}
		if config.TTL > 0 {
			ttl = config.TTL
		}
		logger = config.Logger
	}
	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

func (r *RedisRegistry) serviceKey(id string) string {
	return fmt.Sprintf("%s:services:%s", r.namespace, id)
}

func (r *RedisRegistry) nameKey(name string) string {
	return fmt.Sprintf("%s:names:%s", r.namespace, name)
}

func (r *RedisRegistry) capabilityKey(capability string) string {
	return fmt.Sprintf("%s:capabilities:%s", r.namespace, capability)
}

// Register writes the service record and its index entries atomically.
func (r *RedisRegistry) Register(ctx context.Context, info *core.ServiceInfo) error {
	if info == nil || info.ID == "" || info.Name == "" {
		return fmt.Errorf("service id and name are required: %w", core.ErrInvalidConfiguration)
	}

	info.Health = core.HealthHealthy
	info.LastSeen = time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize service info: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.serviceKey(info.ID), data, r.ttl)
	pipe.SAdd(ctx, r.nameKey(info.Name), info.ID)
	// Index sets outlive individual members so they get double the
	// record TTL; stale members are filtered on read.
	pipe.Expire(ctx, r.nameKey(info.Name), r.ttl*2)
	for _, capability := range info.Capabilities {
		pipe.SAdd(ctx, r.capabilityKey(capability), info.ID)
		pipe.Expire(ctx, r.capabilityKey(capability), r.ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if r.logger != nil {
			r.logger.Error("Service registration failed", map[string]interface{}{
				"service_id": info.ID,
				"service":    info.Name,
				"error":      err.Error(),
			})
		}
		return fmt.Errorf("failed to register service: %w", err)
	}

	if r.logger != nil {
		r.logger.Info("Service registered", map[string]interface{}{
			"service_id":   info.ID,
			"service":      info.Name,
			"address":      info.Address,
			"port":         info.Port,
			"capabilities": info.Capabilities,
			"ttl":          r.ttl.String(),
		})
	}
	return nil
}

// Deregister removes the service record and its index entries.
func (r *RedisRegistry) Deregister(ctx context.Context, serviceID string) error {
	info, err := r.getService(ctx, serviceID)
	if err != nil && err != core.ErrServiceNotFound {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.serviceKey(serviceID))
	if info != nil {
		pipe.SRem(ctx, r.nameKey(info.Name), serviceID)
		for _, capability := range info.Capabilities {
			pipe.SRem(ctx, r.capabilityKey(capability), serviceID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}

	if r.logger != nil {
		r.logger.Info("Service deregistered", map[string]interface{}{
			"service_id": serviceID,
		})
	}
	return nil
}

// getService loads one service record.
func (r *RedisRegistry) getService(ctx context.Context, serviceID string) (*core.ServiceInfo, error) {
	data, err := r.client.Get(ctx, r.serviceKey(serviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrServiceNotFound
		}
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	var info core.ServiceInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to deserialize service info: %w", err)
	}
	return &info, nil
}

// Discover returns live, healthy services registered under name.
// Members whose record expired are pruned from the index as a side
// effect.
func (r *RedisRegistry) Discover(ctx context.Context, name string) ([]*core.ServiceInfo, error) {
	ids, err := r.client.SMembers(ctx, r.nameKey(name)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list services: %w", core.ErrDiscoveryUnavailable)
	}

	var services []*core.ServiceInfo
	for _, id := range ids {
		info, err := r.getService(ctx, id)
		if err != nil {
			if err == core.ErrServiceNotFound {
				r.client.SRem(ctx, r.nameKey(name), id)
				continue
			}
			return nil, err
		}
		if info.Health != core.HealthHealthy {
			continue
		}
		services = append(services, info)
	}
	return services, nil
}

// StartHeartbeat refreshes the registration at half the TTL, with a
// small random jitter so a fleet of workers does not hit Redis in
// lockstep. If the record vanished (Redis restart, TTL missed during a
// pause) the service is re-registered. Blocks until ctx is cancelled.
func (r *RedisRegistry) StartHeartbeat(ctx context.Context, info *core.ServiceInfo) {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + heartbeatJitter(interval)):
		}

		exists, err := r.client.Expire(ctx, r.serviceKey(info.ID), r.ttl).Result()
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("Heartbeat failed", map[string]interface{}{
					"service_id": info.ID,
					"error":      err.Error(),
				})
			}
			continue
		}
		if !exists {
			if r.logger != nil {
				r.logger.Warn("Service record expired, re-registering", map[string]interface{}{
					"service_id": info.ID,
					"service":    info.Name,
				})
			}
			if err := r.Register(ctx, info); err != nil && r.logger != nil {
				r.logger.Error("Re-registration failed", map[string]interface{}{
					"service_id": info.ID,
					"error":      err.Error(),
				})
			}
		}
	}
}

// HealthCheck verifies Redis connectivity.
func (r *RedisRegistry) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// heartbeatJitter returns a random duration in [0, interval/10).
func heartbeatJitter(interval time.Duration) time.Duration {
	max := int64(interval / 10)
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
