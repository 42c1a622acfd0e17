package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client 注册表中的一条实时连接
type Client struct {
	ID          string
	TenantID    string
	Channel     string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	mu          sync.Mutex // 保护设备元数据
	deviceClass string
	deviceName  string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, tenantID, channel, remoteAddr, userAgent string, sendBuffer int) *Client {
	return &Client{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Channel:     channel,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		deviceClass: "unknown", // 注册消息到达前按未知设备列示
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
}

// registrationMessage 声光告警连接可发送的一次性设备注册消息
type registrationMessage struct {
	Type        string `json:"type"`
	DeviceClass string `json:"device_class"`
	Name        string `json:"name"`
}

// writePump 发送泵：串行化所有出站写并按固定间隔发心跳
func (c *Client) writePump(pingInterval, pongWait time.Duration, onExit func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		onExit()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 接收泵：心跳应答刷新读截止时间，超过宽限期即摘除；
// 声光告警通道额外接受一条设备注册消息
func (c *Client) readPump(pongWait time.Duration, onExit func()) {
	defer onExit()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.Channel != ChannelAlerts {
			continue
		}
		var msg registrationMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "register" {
			continue
		}
		c.mu.Lock()
		if msg.DeviceClass != "" {
			c.deviceClass = msg.DeviceClass
		}
		c.deviceName = msg.Name
		c.mu.Unlock()
	}
}

// close 关闭发送通道与底层连接；幂等
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

func (c *Client) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:          c.ID,
		DeviceClass: c.deviceClass,
		Name:        c.deviceName,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		ConnectedAt: c.ConnectedAt,
	}
}
