package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

var tracer = otel.Tracer("audiotricks-quota")

// UsageCache caches workspace usage and plan rows between admission checks.
// A (nil, nil) return means cache miss.
type UsageCache interface {
	GetUsage(ctx context.Context, workspaceID uuid.UUID) (*domain.WorkspaceUsage, error)
	SetUsage(ctx context.Context, workspaceID uuid.UUID, usage domain.WorkspaceUsage) error
	GetLimits(ctx context.Context, workspaceID uuid.UUID) (*domain.WorkspaceLimits, error)
	SetLimits(ctx context.Context, workspaceID uuid.UUID, limits domain.WorkspaceLimits) error
	InvalidateUsage(ctx context.Context, workspaceID uuid.UUID) error
}

// RedisCache implements UsageCache on redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func usageKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("quota:usage:%s", workspaceID)
}

func limitsKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("quota:plan:%s", workspaceID)
}

func (c *RedisCache) GetUsage(ctx context.Context, workspaceID uuid.UUID) (*domain.WorkspaceUsage, error) {
	ctx, span := tracer.Start(ctx, "redis.get_usage",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID.String())))
	defer span.End()

	data, err := c.client.Get(ctx, usageKey(workspaceID)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get cached usage: %w", err)
	}

	var usage domain.WorkspaceUsage
	if err := json.Unmarshal([]byte(data), &usage); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode cached usage: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &usage, nil
}

func (c *RedisCache) SetUsage(ctx context.Context, workspaceID uuid.UUID, usage domain.WorkspaceUsage) error {
	ctx, span := tracer.Start(ctx, "redis.set_usage",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID.String())))
	defer span.End()

	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	if err := c.client.Set(ctx, usageKey(workspaceID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("set cached usage: %w", err)
	}
	return nil
}

func (c *RedisCache) GetLimits(ctx context.Context, workspaceID uuid.UUID) (*domain.WorkspaceLimits, error) {
	ctx, span := tracer.Start(ctx, "redis.get_limits",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID.String())))
	defer span.End()

	data, err := c.client.Get(ctx, limitsKey(workspaceID)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get cached limits: %w", err)
	}

	var limits domain.WorkspaceLimits
	if err := json.Unmarshal([]byte(data), &limits); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode cached limits: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &limits, nil
}

func (c *RedisCache) SetLimits(ctx context.Context, workspaceID uuid.UUID, limits domain.WorkspaceLimits) error {
	ctx, span := tracer.Start(ctx, "redis.set_limits",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID.String())))
	defer span.End()

	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	if err := c.client.Set(ctx, limitsKey(workspaceID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("set cached limits: %w", err)
	}
	return nil
}

func (c *RedisCache) InvalidateUsage(ctx context.Context, workspaceID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_usage",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID.String())))
	defer span.End()

	if err := c.client.Del(ctx, usageKey(workspaceID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("invalidate cached usage: %w", err)
	}
	return nil
}
