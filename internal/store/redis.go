package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/redis/go-redis/v9"
)

// Cache keeps hot session state in Redis: finished results for quick retrieval
// and plan snapshots for sessions paused awaiting approval.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.client.Close() }

func resultKey(id string) string  { return "deepresearch:result:" + id }
func pendingKey(id string) string { return "deepresearch:pending:" + id }

// CacheResult stores a terminal result for the configured TTL.
func (c *Cache) CacheResult(ctx context.Context, res *research.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, resultKey(res.ResearchID), payload, c.ttl).Err()
}

// CachedResult fetches a terminal result. The bool reports a cache hit.
func (c *Cache) CachedResult(ctx context.Context, researchID string) (*research.Result, bool, error) {
	payload, err := c.client.Get(ctx, resultKey(researchID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var res research.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// MarkAwaitingApproval records the plan snapshot of a paused session so
// callers polling the API can inspect what needs approval.
func (c *Cache) MarkAwaitingApproval(ctx context.Context, researchID string, plan *research.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, pendingKey(researchID), payload, c.ttl).Err()
}

// PendingPlan fetches the plan snapshot of a paused session, if any.
func (c *Cache) PendingPlan(ctx context.Context, researchID string) (*research.Plan, bool, error) {
	payload, err := c.client.Get(ctx, pendingKey(researchID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var plan research.Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, false, err
	}
	return &plan, true, nil
}

// ClearAwaitingApproval drops the pending snapshot once a decision arrives.
func (c *Cache) ClearAwaitingApproval(ctx context.Context, researchID string) error {
	return c.client.Del(ctx, pendingKey(researchID)).Err()
}
