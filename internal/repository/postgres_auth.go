package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAuthRepository 认证凭证Repository实现
type PostgresAuthRepository struct {
	db *sql.DB
}

// NewPostgresAuthRepository 创建认证Repository
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{db: db}
}

var _ AuthRepository = (*PostgresAuthRepository)(nil)

// CreateRefreshToken 持久化刷新令牌
func (r *PostgresAuthRepository) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_id, tenant_id, user_id, auth_level, expires_at, revoked, created_at)
		VALUES ($1::uuid, $2::uuid, NULLIF($3, '')::uuid, $4, $5, false, $6)
	`, token.TokenID, token.TenantID, token.UserID, token.AuthLevel, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken 按ID查找刷新令牌
func (r *PostgresAuthRepository) GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("token_id is required")
	}

	var t RefreshToken
	err := r.db.QueryRowContext(ctx, `
		SELECT
			token_id::text,
			tenant_id::text,
			COALESCE(user_id::text, '') as user_id,
			auth_level,
			expires_at,
			revoked,
			created_at
		FROM refresh_tokens
		WHERE token_id = $1::uuid
	`, tokenID).Scan(
		&t.TokenID, &t.TenantID, &t.UserID, &t.AuthLevel,
		&t.ExpiresAt, &t.Revoked, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("refresh token not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &t, nil
}

// RevokeRefreshToken 吊销单个刷新令牌
func (r *PostgresAuthRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE token_id = $1::uuid`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("refresh token not found: %w", sql.ErrNoRows)
	}
	return nil
}

// RevokeTenantTokens 吊销租户全部刷新令牌
func (r *PostgresAuthRepository) RevokeTenantTokens(ctx context.Context, tenantID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE tenant_id = $1::uuid AND NOT revoked`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tenant tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
