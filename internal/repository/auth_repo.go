package repository

import (
	"context"
	"time"
)

// RefreshToken 服务端持久化的刷新令牌
// 访问令牌自包含不落库；刷新令牌是唯一可以在自然过期前吊销的凭证
type RefreshToken struct {
	TokenID   string
	TenantID  string
	UserID    string // 租户级令牌为空
	AuthLevel string // tenant | user
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuthRepository 认证凭证存储接口
type AuthRepository interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
	// RevokeTenantTokens 吊销租户全部刷新令牌（配合紧急吊销使用）
	RevokeTenantTokens(ctx context.Context, tenantID string) (int64, error)
}
