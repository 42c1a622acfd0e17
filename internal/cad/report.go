package cad

import "time"

// UnitEntry 单位时间表的一行
type UnitEntry struct {
	Designator string
	Dispatched *time.Time
	Enroute    *time.Time
	Arrived    *time.Time
	Available  *time.Time
}

// DispatchReport 派遣报文的结构化提取结果
type DispatchReport struct {
	EventNumber  string
	EventType    string
	EventSubtype string
	Address      string
	Municipality string
	Units        []UnitEntry
}

// ClearReport 结案报文的结构化提取结果
type ClearReport struct {
	EventNumber string
	Units       []UnitEntry
}

// Unparseable 无法进入事件流水的报文
type Unparseable struct {
	Reason      string
	Diagnostics []string
}

// Result 带标签的解析结果
//
// Dispatch / Clear / Invalid 三者恰有其一非空。
// Diagnostics 记录非致命问题（可选字段缺失、无法解析的时间值等），
// 解析过程不会静默丢弃信息。
type Result struct {
	Dispatch    *DispatchReport
	Clear       *ClearReport
	Invalid     *Unparseable
	Diagnostics []string
}
