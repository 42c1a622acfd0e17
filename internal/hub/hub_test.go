package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

// newTestServer 起一个把升级后的连接直接注册进 hub 的测试服务
func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Register(conn, r.URL.Query().Get("tenant"), r.URL.Query().Get("channel"),
			r.RemoteAddr, r.UserAgent())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, tenant, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=" + tenant + "&channel=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message on this connection")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func testEvent(tenant, channel string) Event {
	return Event{
		TenantID: tenant,
		Channel:  channel,
		Type:     EventIncidentCreated,
		Payload: IncidentPayload{
			IncidentID:     "inc-1",
			IncidentNumber: "FIRE2026-0001",
			Category:       "FIRE",
			State:          "OPEN",
		},
	}
}

func TestHub_TenantIsolation(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	connA := dial(t, srv, tenantA, ChannelIncidents)
	connB := dial(t, srv, tenantB, ChannelIncidents)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })
	waitFor(t, func() bool { return registrySize(h, tenantB, ChannelIncidents) == 1 })

	h.Publish(testEvent(tenantA, ChannelIncidents))

	msg := readEvent(t, connA)
	assert.JSONEq(t, `"incident_created"`, string(msg["type"]))
	// 租户隔离是绝对不变量：B 永远收不到 A 的事件
	expectSilence(t, connB)
}

func TestHub_ChannelIsolation(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	incidents := dial(t, srv, tenantA, ChannelIncidents)
	alerts := dial(t, srv, tenantA, ChannelAlerts)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelAlerts) == 1 })

	h.Publish(testEvent(tenantA, ChannelIncidents))

	msg := readEvent(t, incidents)
	assert.JSONEq(t, `"incident_created"`, string(msg["type"]))
	expectSilence(t, alerts)
}

func TestHub_EventEnvelope(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	conn := dial(t, srv, tenantA, ChannelIncidents)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })

	h.Publish(testEvent(tenantA, ChannelIncidents))

	msg := readEvent(t, conn)
	assert.Contains(t, msg, "type")
	assert.Contains(t, msg, "data")
	// 路由字段不进线上报文
	assert.NotContains(t, msg, "tenant_id")
	assert.NotContains(t, msg, "channel")

	var payload IncidentPayload
	require.NoError(t, json.Unmarshal(msg["data"], &payload))
	assert.Equal(t, "FIRE2026-0001", payload.IncidentNumber)
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	// 没有任何注册表也不 panic、不创建注册表
	h.Publish(testEvent("nobody-home", ChannelIncidents))
	assert.Equal(t, -1, registrySize(h, "nobody-home", ChannelIncidents))
}

func TestHub_DisconnectedClientIsPruned(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	conn := dial(t, srv, tenantA, ChannelIncidents)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })

	conn.Close()
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 0 })

	// 摘除后的发布不应影响存活连接
	other := dial(t, srv, tenantA, ChannelIncidents)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })
	h.Publish(testEvent(tenantA, ChannelIncidents))
	readEvent(t, other)
}

func TestHub_Roster(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	assert.Nil(t, h.Roster(tenantA))

	conn := dial(t, srv, tenantA, ChannelAlerts)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelAlerts) == 1 })

	// 注册消息到达前按未知设备列示
	roster := h.Roster(tenantA)
	require.Len(t, roster, 1)
	assert.Equal(t, "unknown", roster[0].DeviceClass)

	require.NoError(t, conn.WriteJSON(registrationMessage{
		Type:        "register",
		DeviceClass: "light_bar",
		Name:        "Bay 1 Light",
	}))
	waitFor(t, func() bool {
		r := h.Roster(tenantA)
		return len(r) == 1 && r[0].DeviceClass == "light_bar"
	})
	roster = h.Roster(tenantA)
	assert.Equal(t, "Bay 1 Light", roster[0].Name)
}

func TestHub_RegistrationIgnoredOnIncidentsChannel(t *testing.T) {
	h := NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	srv := newTestServer(t, h)

	conn := dial(t, srv, tenantA, ChannelIncidents)
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })

	require.NoError(t, conn.WriteJSON(registrationMessage{Type: "register", DeviceClass: "light_bar"}))

	// 事件通道不接受设备注册，连接保持存活
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, registrySize(h, tenantA, ChannelIncidents))
}

func TestHub_PingKeepsConnectionAlive(t *testing.T) {
	h := NewHub(50*time.Millisecond, 200*time.Millisecond, 32, zap.NewNop())
	srv := newTestServer(t, h)

	conn := dial(t, srv, tenantA, ChannelIncidents)
	// 客户端读循环驱动默认 ping 处理器回 pong
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitFor(t, func() bool { return registrySize(h, tenantA, ChannelIncidents) == 1 })

	// pong 应答让连接跨越多个宽限期仍然在册
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, registrySize(h, tenantA, ChannelIncidents))
}

// registrySize 测试探针：-1 表示注册表不存在
func registrySize(h *Hub, tenantID, channel string) int {
	reg := h.registryFor(tenantID, channel, false)
	if reg == nil {
		return -1
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.conns)
}
