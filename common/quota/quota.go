package quota

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowstack/engine/common/config"
)

//go:embed quota.lua
var quotaScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result of one quota check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Checker enforces per-workspace usage quotas with an atomic Redis
// counter script
type Checker struct {
	redis  *redis.Client
	script *redis.Script
	limits config.QuotaConfig
	logger Logger
}

// NewChecker builds a checker with the embedded Lua script
func NewChecker(redisClient *redis.Client, limits config.QuotaConfig, logger Logger) *Checker {
	return &Checker{
		redis:  redisClient,
		script: redis.NewScript(quotaScript),
		limits: limits,
		logger: logger,
	}
}

// CheckExecution consumes one run start from the workspace's per-minute
// execution quota
func (c *Checker) CheckExecution(ctx context.Context, workspace string) (*Result, error) {
	key := fmt.Sprintf("quota:executions:%s", workspace)
	return c.check(ctx, key, c.limits.ExecutionsPerMinute, 60, 1)
}

// CheckAPICalls consumes outbound API call units
func (c *Checker) CheckAPICalls(ctx context.Context, workspace string, cost int64) (*Result, error) {
	key := fmt.Sprintf("quota:api_calls:%s", workspace)
	return c.check(ctx, key, c.limits.APICallsPerMinute, 60, cost)
}

// CheckTokens consumes LLM token units
func (c *Checker) CheckTokens(ctx context.Context, workspace string, tokens int64) (*Result, error) {
	key := fmt.Sprintf("quota:tokens:%s", workspace)
	return c.check(ctx, key, c.limits.TokensPerMinute, 60, tokens)
}

// ConnectorInFlight returns the current in-flight count for a connector
// in the workspace
func (c *Checker) ConnectorInFlight(ctx context.Context, workspace, app string) (int64, error) {
	key := fmt.Sprintf("quota:connector:%s:%s", workspace, app)
	count, err := c.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read connector in-flight count: %w", err)
	}
	return count, nil
}

// ConnectorLimit reports the configured in-flight ceiling
func (c *Checker) ConnectorLimit() int64 {
	return c.limits.ConnectorInFlight
}

func (c *Checker) check(ctx context.Context, key string, limit, windowSec, cost int64) (*Result, error) {
	if limit <= 0 {
		return &Result{Allowed: true, Limit: limit}, nil
	}

	result, err := c.script.Run(ctx, c.redis, []string{key}, limit, windowSec, cost).Result()
	if err != nil {
		c.logger.Error("quota check failed", "key", key, "error", err)
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	arr, ok := result.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected quota script result format")
	}

	out := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !out.Allowed {
		c.logger.Warn("quota exceeded",
			"key", key,
			"current", out.CurrentCount,
			"limit", out.Limit,
			"retry_after", out.RetryAfterSeconds)
	} else {
		c.logger.Debug("quota check passed",
			"key", key,
			"current", out.CurrentCount,
			"limit", out.Limit)
	}

	return out, nil
}

// Reset clears a quota counter
func (c *Checker) Reset(ctx context.Context, key string) error {
	return c.redis.Del(ctx, key).Err()
}
