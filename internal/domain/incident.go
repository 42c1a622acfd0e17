package domain

import "time"

// IncidentState 事件状态
const (
	IncidentOpen   = "OPEN"
	IncidentClosed = "CLOSED"
)

// Incident 事件领域模型
//
// 以租户内人读编号（如 FIRE2026-0001）为主标识，
// 通过厂商CAD事件号（cad_event_number）与外部报文关联。
// 不变量：同一 (tenant_id, cad_event_number) 只存在一条记录。
type Incident struct {
	IncidentID     string     `json:"incident_id"`
	TenantID       string     `json:"tenant_id"`
	IncidentNumber string     `json:"incident_number"` // {前缀}{年份}-{序号}，如 FIRE2026-0001
	CADEventNumber string     `json:"cad_event_number"`
	Category       string     `json:"category"` // FIRE | EMS
	State          string     `json:"state"`    // OPEN | CLOSED
	EventType      string     `json:"event_type"`
	EventSubtype   string     `json:"event_subtype,omitempty"`
	Address        string     `json:"address"`
	Municipality   string     `json:"municipality,omitempty"`
	ResponseSecs   *int       `json:"response_seconds,omitempty"` // Clear报文结算后的响应时间
	CreatedAt      time.Time  `json:"created_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// IncidentUnit 事件出动单位
//
// 每个 (incident, unit designator) 一条记录；Dispatch 与 Clear
// 报文都会更新时间戳。CountsForResponse 为 false 的单位
// （指挥车、支援车等）不参与响应时间统计。
type IncidentUnit struct {
	IncidentID        string     `json:"incident_id"`
	Unit              string     `json:"unit"`
	Dispatched        *time.Time `json:"dispatched,omitempty"`
	Enroute           *time.Time `json:"enroute,omitempty"`
	Arrived           *time.Time `json:"arrived,omitempty"`
	Available         *time.Time `json:"available,omitempty"`
	CountsForResponse bool       `json:"counts_for_response_times"`
}

// AuditEntry CAD报文接收审计记录
// 与事件写入同事务落库，供人工追溯原始报文来源
type AuditEntry struct {
	TenantID       string
	CADEventNumber string
	Kind           string // DISPATCH | CLEAR
	MailboxFile    string
	ReceivedAt     time.Time
}

// ParseError 数据质量记录
// 无法解析或缺失必填字段的报文不进入事件流水，仅落此表
type ParseError struct {
	TenantID    string
	Reason      string
	Diagnostics []string
	PayloadHead string // 报文前缀截断，便于排查
	ReceivedAt  time.Time
}

// UnitReview 单位对账复核记录
// Dispatch 报文里出现过、但 Clear 报文单位表缺失的单位，
// 不作为错误丢弃，而是生成复核任务
type UnitReview struct {
	IncidentID string
	Unit       string
	Reason     string
}
