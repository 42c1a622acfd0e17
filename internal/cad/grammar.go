package cad

import "strings"

// Grammar 报文字段文法
//
// 厂商CAD报文的段落标记、字段标签别名、单位表头等都因
// 租户/厂商版本而异，全部做成可配置，默认值对齐参考厂商格式。
type Grammar struct {
	// 报文种类的结构标记（标题行包含其一即可，不区分大小写）
	DispatchMarkers []string
	ClearMarkers    []string

	// 标签别名 -> 规范字段名（小写比较）
	Labels map[string]string

	// 单位时间表头的各列（首列必须是单位代号列）
	UnitHeader []string

	// 时间解析布局，按顺序尝试；仅含时刻的布局以接收日期补全
	TimeLayouts []string

	// 不参与响应时间统计的单位代号前缀（指挥车、支援车等）
	NonCountingPrefixes []string
}

// 规范字段名
const (
	FieldEventNumber  = "event_number"
	FieldEventType    = "event_type"
	FieldEventSubtype = "event_subtype"
	FieldAddress      = "address"
	FieldMunicipality = "municipality"
)

// DefaultGrammar 参考厂商格式的默认文法
func DefaultGrammar() *Grammar {
	return &Grammar{
		DispatchMarkers: []string{"DISPATCH REPORT", "DISPATCHED CALL"},
		ClearMarkers:    []string{"CLEAR REPORT", "CLEARED CALL"},
		Labels: map[string]string{
			"event no":     FieldEventNumber,
			"event number": FieldEventNumber,
			"event #":      FieldEventNumber,
			"type":         FieldEventType,
			"event type":   FieldEventType,
			"subtype":      FieldEventSubtype,
			"sub type":     FieldEventSubtype,
			"address":      FieldAddress,
			"location":     FieldAddress,
			"municipality": FieldMunicipality,
			"muni":         FieldMunicipality,
			"city":         FieldMunicipality,
		},
		UnitHeader: []string{"Unit", "Dispatched", "Enroute", "Arrived", "Available"},
		TimeLayouts: []string{
			"01/02/2006 15:04:05",
			"2006-01-02 15:04:05",
			"15:04:05",
			"15:04",
		},
		NonCountingPrefixes: []string{"CHF", "UTL", "FP", "CAR"},
	}
}

// Counts 判断单位是否参与响应时间统计
func (g *Grammar) Counts(designator string) bool {
	d := strings.ToUpper(designator)
	for _, prefix := range g.NonCountingPrefixes {
		if strings.HasPrefix(d, prefix) {
			return false
		}
	}
	return true
}
