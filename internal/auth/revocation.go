package auth

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RevokedTenantsKey 紧急吊销租户集合的 Redis 键
const RevokedTenantsKey = "auth:revoked_tenants"

// RevocationCache 紧急吊销缓存
//
// 进程内的已吊销租户集合，每次访问令牌校验都会查询。
// 按固定间隔从 Redis 集合整体刷新——两次刷新之间允许陈旧，
// 最坏暴露窗口即刷新间隔（有界陈旧，不是最终一致）。
type RevocationCache struct {
	mu     sync.RWMutex
	set    map[string]struct{}
	client *redis.Client
	every  time.Duration
	logger *zap.Logger
}

// NewRevocationCache 创建吊销缓存
func NewRevocationCache(client *redis.Client, every time.Duration, logger *zap.Logger) *RevocationCache {
	return &RevocationCache{
		set:    map[string]struct{}{},
		client: client,
		every:  every,
		logger: logger,
	}
}

// IsRevoked 判断租户是否处于紧急吊销状态（纯内存，热路径零存储开销）
func (c *RevocationCache) IsRevoked(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[tenantID]
	return ok
}

// Add 本进程立即生效（发起吊销的进程不等下一次刷新）
func (c *RevocationCache) Add(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[tenantID] = struct{}{}
}

// Refresh 从 Redis 整体刷新吊销集合
func (c *RevocationCache) Refresh(ctx context.Context) error {
	members, err := c.client.SMembers(ctx, RevokedTenantsKey).Result()
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		next[m] = struct{}{}
	}
	c.mu.Lock()
	c.set = next
	c.mu.Unlock()
	return nil
}

// Run 周期刷新循环，直到上下文取消
func (c *RevocationCache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Initial revocation cache refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				// 刷新失败保留上一份集合，不放大故障
				c.logger.Warn("Revocation cache refresh failed", zap.Error(err))
			}
		}
	}
}
