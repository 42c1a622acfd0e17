// Package auth 实现两级令牌认证门
//
// 访问令牌是自包含的签名声明集（租户、授权级别、可选用户），
// 校验只做签名+有效期+吊销缓存检查，热路径不查存储；
// 刷新令牌服务端落库，是唯一可提前吊销的凭证，
// 存储压力被限制在每会话每刷新周期约一次。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level 授权级别
type Level string

const (
	// LevelTenant 租户级共享低权限凭证（只读展示等）
	LevelTenant Level = "tenant"
	// LevelUser 用户级个人凭证（变更/管理操作必需）
	LevelUser Level = "user"
)

// Cookie 名称
const (
	AccessCookie  = "rs_access"
	RefreshCookie = "rs_refresh"
)

// legacySessionPrefix 旧会话机制的 Redis 键前缀（迁移期并行校验）
const legacySessionPrefix = "session:"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTenantRevoked = errors.New("tenant revoked")
	ErrNoCredential  = errors.New("no credential presented")
)

// Claims 访问令牌声明集
type Claims struct {
	TenantID string `json:"tid"`
	Level    Level  `json:"lvl"`
	UserID   string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Gate 认证门
type Gate struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	authRepo   repository.AuthRepository
	revoked    *RevocationCache
	redis      *redis.Client
	logger     *zap.Logger
}

// NewGate 创建认证门
func NewGate(
	secret string,
	accessTTL, refreshTTL time.Duration,
	authRepo repository.AuthRepository,
	revoked *RevocationCache,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Gate {
	return &Gate{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		authRepo:   authRepo,
		revoked:    revoked,
		redis:      redisClient,
		logger:     logger,
	}
}

// IssueAccessToken 签发访问令牌（HS256，固定短有效期）
func (g *Gate) IssueAccessToken(tenantID string, level Level, userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		Level:    level,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken 校验访问令牌
// 签名 + 有效期 + 紧急吊销缓存，不触达持久存储
func (g *Gate) ValidateAccessToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant claim", ErrInvalidToken)
	}
	if g.revoked != nil && g.revoked.IsRevoked(claims.TenantID) {
		return nil, ErrTenantRevoked
	}
	return claims, nil
}

// IssueRefreshToken 签发并持久化刷新令牌，返回不透明令牌串
func (g *Gate) IssueRefreshToken(ctx context.Context, tenantID string, level Level, userID string) (string, error) {
	token := &repository.RefreshToken{
		TokenID:   uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		AuthLevel: string(level),
		ExpiresAt: time.Now().Add(g.refreshTTL),
		CreatedAt: time.Now(),
	}
	if err := g.authRepo.CreateRefreshToken(ctx, token); err != nil {
		return "", err
	}
	return token.TokenID, nil
}

// ExchangeRefreshToken 用刷新令牌换取新访问令牌
// 这是认证路径上唯一的存储往返
func (g *Gate) ExchangeRefreshToken(ctx context.Context, tokenID string) (string, *Claims, error) {
	stored, err := g.authRepo.GetRefreshToken(ctx, tokenID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if stored.Revoked {
		return "", nil, ErrTokenRevoked
	}
	if time.Now().After(stored.ExpiresAt) {
		return "", nil, fmt.Errorf("%w: refresh token expired", ErrInvalidToken)
	}
	if g.revoked != nil && g.revoked.IsRevoked(stored.TenantID) {
		return "", nil, ErrTenantRevoked
	}

	level := Level(stored.AuthLevel)
	access, err := g.IssueAccessToken(stored.TenantID, level, stored.UserID)
	if err != nil {
		return "", nil, err
	}
	claims := &Claims{TenantID: stored.TenantID, Level: level, UserID: stored.UserID}
	return access, claims, nil
}

// RevokeRefreshToken 普通吊销：作废存储的刷新令牌
// 最迟在下一个访问令牌有效期结束时生效
func (g *Gate) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	return g.authRepo.RevokeRefreshToken(ctx, tokenID)
}

// EmergencyRevokeTenant 紧急吊销整个租户
// 写入 Redis 吊销集合（其余进程最迟一个刷新间隔后生效），
// 本进程缓存立即生效，并作废该租户全部刷新令牌
func (g *Gate) EmergencyRevokeTenant(ctx context.Context, tenantID string) error {
	if err := g.redis.SAdd(ctx, RevokedTenantsKey, tenantID).Err(); err != nil {
		return fmt.Errorf("failed to record tenant revocation: %w", err)
	}
	if g.revoked != nil {
		g.revoked.Add(tenantID)
	}
	n, err := g.authRepo.RevokeTenantTokens(ctx, tenantID)
	if err != nil {
		return err
	}
	g.logger.Warn("Tenant emergency revoked",
		zap.String("tenant_id", tenantID),
		zap.Int64("refresh_tokens_revoked", n),
	)
	return nil
}

// legacySession 旧会话在 Redis 里的记录格式
type legacySession struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

// ValidateLegacySession 迁移期并行校验旧会话令牌
// 新会话走 JWT；旧会话按自身过期时间自然淘汰
func (g *Gate) ValidateLegacySession(ctx context.Context, raw string) (*Claims, error) {
	data, err := g.redis.Get(ctx, legacySessionPrefix+raw).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("legacy session lookup: %w", err)
	}
	var sess legacySession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt legacy session", ErrInvalidToken)
	}
	if sess.TenantID == "" {
		return nil, fmt.Errorf("%w: legacy session missing tenant", ErrInvalidToken)
	}
	if g.revoked != nil && g.revoked.IsRevoked(sess.TenantID) {
		return nil, ErrTenantRevoked
	}
	level := LevelTenant
	if sess.UserID != "" {
		level = LevelUser
	}
	return &Claims{TenantID: sess.TenantID, Level: level, UserID: sess.UserID}, nil
}

// Authenticate 从请求中提取并校验凭证
//
// 顺序：访问令牌 Cookie → Authorization Bearer（先按 JWT 解析，
// 失败回退旧会话）。不看连接参数：URL 里的令牌会进访问日志
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (*Claims, error) {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return g.ValidateAccessToken(c.Value)
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw := strings.TrimPrefix(h, "Bearer ")
		claims, err := g.ValidateAccessToken(raw)
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, ErrTenantRevoked) {
			return nil, err
		}
		return g.ValidateLegacySession(ctx, raw)
	}

	return nil, ErrNoCredential
}

// AuthenticateConn 实时通道准入专用的凭证提取
//
// 浏览器的 WebSocket 握手带不了自定义 Header，所以这里在常规
// 凭证缺失时额外接受连接参数 token。普通 HTTP 请求不走这条路
func (g *Gate) AuthenticateConn(ctx context.Context, r *http.Request) (*Claims, error) {
	claims, err := g.Authenticate(ctx, r)
	if !errors.Is(err, ErrNoCredential) {
		return claims, err
	}
	if raw := r.URL.Query().Get("token"); raw != "" {
		return g.ValidateAccessToken(raw)
	}
	return nil, ErrNoCredential
}

// RequireLevel 校验声明是否满足要求的授权级别
// user 级别满足 tenant 级别要求；反之不成立，绝不授予部分信任
func RequireLevel(claims *Claims, want Level) error {
	if claims == nil {
		return ErrNoCredential
	}
	if want == LevelUser && claims.Level != LevelUser {
		return fmt.Errorf("%w: user-level credential required", ErrInvalidToken)
	}
	return nil
}

// SetAuthCookies 浏览器会话的双 Cookie 投递
// SameSite + HttpOnly，脚本不可读
func (g *Gate) SetAuthCookies(w http.ResponseWriter, access, refreshID, domain string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookie,
		Value:    access,
		Path:     "/",
		Domain:   domain,
		MaxAge:   int(g.accessTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    refreshID,
		Path:     "/auth/",
		Domain:   domain,
		MaxAge:   int(g.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
