// Package hub 租户隔离的实时广播中枢
//
// 每个租户维护两套相互独立的连接注册表（事件生命周期、声光告警）。
// 互斥范围是单个 租户×通道 注册表，不用全局锁，
// 避免跨租户争用；租户隔离是绝对不变量。
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub 广播中枢
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]*tenantChannels

	pingInterval time.Duration
	pongWait     time.Duration
	sendBuffer   int
	logger       *zap.Logger
}

// tenantChannels 单租户的两套注册表
type tenantChannels struct {
	incidents *registry
	alerts    *registry
}

// registry 单个 租户×通道 的连接注册表
type registry struct {
	mu    sync.Mutex
	conns map[string]*Client
}

// NewHub 创建广播中枢
func NewHub(pingInterval, pongWait time.Duration, sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		tenants:      map[string]*tenantChannels{},
		pingInterval: pingInterval,
		pongWait:     pongWait,
		sendBuffer:   sendBuffer,
		logger:       logger,
	}
}

// registryFor 取指定 租户×通道 的注册表
func (h *Hub) registryFor(tenantID, channel string, create bool) *registry {
	h.mu.RLock()
	tc := h.tenants[tenantID]
	h.mu.RUnlock()

	if tc == nil {
		if !create {
			return nil
		}
		h.mu.Lock()
		tc = h.tenants[tenantID]
		if tc == nil {
			tc = &tenantChannels{
				incidents: &registry{conns: map[string]*Client{}},
				alerts:    &registry{conns: map[string]*Client{}},
			}
			h.tenants[tenantID] = tc
		}
		h.mu.Unlock()
	}

	switch channel {
	case ChannelIncidents:
		return tc.incidents
	case ChannelAlerts:
		return tc.alerts
	default:
		return nil
	}
}

// Register 接入一条已升级的 WebSocket 连接并启动读写泵
func (h *Hub) Register(conn *websocket.Conn, tenantID, channel, remoteAddr, userAgent string) *Client {
	reg := h.registryFor(tenantID, channel, true)
	if reg == nil {
		conn.Close()
		return nil
	}

	c := newClient(conn, tenantID, channel, remoteAddr, userAgent, h.sendBuffer)

	reg.mu.Lock()
	reg.conns[c.ID] = c
	count := len(reg.conns)
	reg.mu.Unlock()

	h.logger.Info("Realtime connection registered",
		zap.String("tenant_id", tenantID),
		zap.String("channel", channel),
		zap.String("conn_id", c.ID),
		zap.Int("registry_size", count),
	)

	go c.writePump(h.pingInterval, h.pongWait, func() { h.remove(reg, c, "write failure") })
	go c.readPump(h.pongWait, func() { h.remove(reg, c, "read closed") })
	return c
}

// remove 从注册表摘除并关闭连接；幂等
func (h *Hub) remove(reg *registry, c *Client, reason string) {
	reg.mu.Lock()
	_, present := reg.conns[c.ID]
	delete(reg.conns, c.ID)
	reg.mu.Unlock()

	c.close()
	if present {
		h.logger.Info("Realtime connection pruned",
			zap.String("tenant_id", c.TenantID),
			zap.String("channel", c.Channel),
			zap.String("conn_id", c.ID),
			zap.String("reason", reason),
		)
	}
}

// Publish 向目标租户通道扇出一条事件
//
// 对每个连接做非阻塞投递：发送缓冲已满或连接已断的客户端
// 立即摘除，绝不拖慢其他连接，也绝不阻塞调用方。
// 消息不排队不重放：事后接入的客户端收不到历史事件。
func (h *Hub) Publish(evt Event) {
	reg := h.registryFor(evt.TenantID, evt.Channel, false)
	if reg == nil {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast event",
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		return
	}

	var stale []*Client
	reg.mu.Lock()
	for _, c := range reg.conns {
		select {
		case c.send <- data:
		default:
			// 缓冲已满：连接视为失活
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(reg.conns, c.ID)
	}
	reg.mu.Unlock()

	for _, c := range stale {
		c.close()
		h.logger.Warn("Realtime connection dropped on send",
			zap.String("tenant_id", c.TenantID),
			zap.String("channel", c.Channel),
			zap.String("conn_id", c.ID),
		)
	}
}

// ConnectionInfo 在线连接花名册条目
type ConnectionInfo struct {
	ID          string    `json:"id"`
	DeviceClass string    `json:"device_class"`
	Name        string    `json:"name"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Roster 声光告警通道的在线设备花名册
func (h *Hub) Roster(tenantID string) []ConnectionInfo {
	reg := h.registryFor(tenantID, ChannelAlerts, false)
	if reg == nil {
		return nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(reg.conns))
	for _, c := range reg.conns {
		out = append(out, c.info())
	}
	return out
}
