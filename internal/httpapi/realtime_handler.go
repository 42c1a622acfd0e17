package httpapi

import (
	"fmt"
	"net"
	"net/http"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/auth"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/hub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TenantOverrideHeader 内网服务的租户覆盖头
// 仅允许来自内网网段的请求使用（如语音播报服务代表某租户接入）
const TenantOverrideHeader = "X-Runsheet-Tenant"

// RealtimeHandler 实时通道 Handler
type RealtimeHandler struct {
	hub      *hub.Hub
	gate     *auth.Gate
	internal []*net.IPNet
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewRealtimeHandler 创建实时通道 Handler
func NewRealtimeHandler(h *hub.Hub, gate *auth.Gate, internalCIDRs []string, logger *zap.Logger) (*RealtimeHandler, error) {
	var nets []*net.IPNet
	for _, cidr := range internalCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid internal CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return &RealtimeHandler{
		hub:      h,
		gate:     gate,
		internal: nets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 接入由访问令牌把关，不依赖 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// IncidentsWS 事件生命周期通道接入
func (h *RealtimeHandler) IncidentsWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, hub.ChannelIncidents)
}

// AlertsWS 声光告警通道接入
func (h *RealtimeHandler) AlertsWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, hub.ChannelAlerts)
}

// serveWS 通道准入 + 升级 + 注册
// WebSocket 无法携带普通请求的 Header/Cookie 组合，
// 访问令牌作为连接参数 ?token= 提交（auth.Gate 已支持）
func (h *RealtimeHandler) serveWS(w http.ResponseWriter, r *http.Request, channel string) {
	tenantID, err := h.admit(r)
	if err != nil {
		h.logger.Warn("Realtime admission rejected",
			zap.String("channel", channel),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		writeJSON(w, http.StatusUnauthorized, TokenExpired("unauthorized"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写响应
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Register(conn, tenantID, channel, r.RemoteAddr, r.UserAgent())
}

// Roster 声光告警通道在线设备花名册（用户级权限）
func (h *RealtimeHandler) Roster(w http.ResponseWriter, r *http.Request) {
	claims, err := h.gate.Authenticate(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, TokenExpired("unauthorized"))
		return
	}
	if err := auth.RequireLevel(claims, auth.LevelUser); err != nil {
		writeJSON(w, http.StatusForbidden, Fail("user-level credential required"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.hub.Roster(claims.TenantID)))
}

// admit 解析并校验接入方的租户身份
// 只有这条升级路径接受连接参数 token
func (h *RealtimeHandler) admit(r *http.Request) (string, error) {
	claims, err := h.gate.AuthenticateConn(r.Context(), r)
	if err != nil {
		return "", err
	}

	tenantID := claims.TenantID
	if override := r.Header.Get(TenantOverrideHeader); override != "" {
		if !h.fromInternalNetwork(r) {
			return "", fmt.Errorf("tenant override header from external address %s", r.RemoteAddr)
		}
		tenantID = override
	}
	return tenantID, nil
}

func (h *RealtimeHandler) fromInternalNetwork(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.internal {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
