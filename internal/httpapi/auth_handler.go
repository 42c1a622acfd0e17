package httpapi

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/auth"

	"go.uber.org/zap"
)

// AuthHandler 令牌端点 Handler
// 登录本身属于外围REST面；这里只承载刷新/吊销两个令牌操作
type AuthHandler struct {
	gate         *auth.Gate
	cookieDomain string
	cookieSecure bool
	logger       *zap.Logger
}

// NewAuthHandler 创建令牌端点 Handler
func NewAuthHandler(gate *auth.Gate, cookieDomain string, cookieSecure bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		gate:         gate,
		cookieDomain: cookieDomain,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

// Refresh 刷新令牌换取新访问令牌
// 浏览器用 Cookie；非浏览器客户端可在 body 里带 refresh_token
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshID := ""
	if c, err := r.Cookie(auth.RefreshCookie); err == nil {
		refreshID = c.Value
	}
	if refreshID == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = readBodyJSON(r, 1<<16, &body)
		refreshID = body.RefreshToken
	}
	if refreshID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("missing refresh token"))
		return
	}

	access, claims, err := h.gate.ExchangeRefreshToken(r.Context(), refreshID)
	if err != nil {
		h.logger.Warn("Refresh exchange rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		// 吊销的刷新令牌强制重新认证，绝不授予部分信任
		writeJSON(w, http.StatusUnauthorized, TokenExpired("re-authentication required"))
		return
	}

	h.gate.SetAuthCookies(w, access, refreshID, h.cookieDomain, h.cookieSecure)
	writeJSON(w, http.StatusOK, Ok(map[string]string{
		"access_token": access,
		"tenant_id":    claims.TenantID,
		"auth_level":   string(claims.Level),
	}))
}

// Revoke 吊销刷新令牌；emergency=true 时紧急吊销整个租户
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, err := h.gate.Authenticate(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, TokenExpired("unauthorized"))
		return
	}
	if err := auth.RequireLevel(claims, auth.LevelUser); err != nil {
		writeJSON(w, http.StatusForbidden, Fail("user-level credential required"))
		return
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
		Emergency    bool   `json:"emergency"`
	}
	_ = readBodyJSON(r, 1<<16, &body)

	if body.Emergency {
		// 只能紧急吊销自己的租户
		if err := h.gate.EmergencyRevokeTenant(r.Context(), claims.TenantID); err != nil {
			h.logger.Error("Emergency revocation failed",
				zap.String("tenant_id", claims.TenantID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("revocation failed"))
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"revoked_tenant": claims.TenantID}))
		return
	}

	if body.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, Fail("missing refresh token"))
		return
	}
	if err := h.gate.RevokeRefreshToken(r.Context(), body.RefreshToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, Fail("refresh token not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, Fail("revocation failed"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"revoked": body.RefreshToken}))
}
