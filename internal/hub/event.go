package hub

// Channel 实时通道名称
const (
	// ChannelIncidents 事件生命周期通道
	ChannelIncidents = "incidents"
	// ChannelAlerts 声光告警硬件通道
	ChannelAlerts = "alerts"
)

// 事件类型
const (
	EventIncidentCreated = "incident_created"
	EventIncidentUpdated = "incident_updated"
	EventIncidentClosed  = "incident_closed"
	EventDispatch        = "dispatch"
	EventClose           = "close"
)

// Event 广播事件（瞬态消息，仅存在于扇出过程中，不落库不重放）
type Event struct {
	TenantID string      `json:"-"`
	Channel  string      `json:"-"`
	Type     string      `json:"type"`
	Payload  interface{} `json:"data"`
}

// IncidentPayload 事件生命周期消息体
type IncidentPayload struct {
	IncidentID     string `json:"incident_id"`
	IncidentNumber string `json:"incident_number"`
	Category       string `json:"category"`
	State          string `json:"state"`
	EventType      string `json:"event_type,omitempty"`
	Address        string `json:"address,omitempty"`
}

// AlertPayload 声光告警消息体
type AlertPayload struct {
	IncidentID     string   `json:"incident_id"`
	IncidentNumber string   `json:"incident_number"`
	Category       string   `json:"category"`
	EventType      string   `json:"event_type,omitempty"`
	Address        string   `json:"address"`
	Units          []string `json:"units"`
}
