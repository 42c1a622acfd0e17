// Package cad 解析厂商CAD系统的原始派遣/结案报文
//
// 报文是半结构化文本：标题行标识报文种类（Dispatch / Clear），
// 正文是"标签: 值"对加一张单位时间表。提取按结构位置进行，
// 不依赖固定字节偏移，允许可选字段缺失或乱序。
package cad

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// labelLine 匹配 "Label: value" 行；标签只含字母、空格和 #，
// 避免把单位表里的时间值（含冒号）误认为标签
var labelLine = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z #]*?)\s*:\s*(.*)$`)

// Parse 解析一份完整的原始报文
//
// receivedAt 用于补全只含时刻的时间值的日期部分。
// 返回的 Result 恰好命中 Dispatch / Clear / Invalid 之一。
func Parse(payload []byte, receivedAt time.Time, g *Grammar) Result {
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	kind := detectKind(lines, g)
	if kind == "" {
		return Result{Invalid: &Unparseable{
			Reason:      "unknown report kind",
			Diagnostics: []string{"no dispatch/clear structural marker found"},
		}}
	}

	var diags []string
	fields := extractFields(lines, g)
	units, unitDiags := extractUnits(lines, receivedAt, g)
	diags = append(diags, unitDiags...)

	eventNumber := fields[FieldEventNumber]
	if eventNumber == "" {
		// 事件号是唯一硬性必填字段：缺失则整份报文进入数据质量队列
		diags = append(diags, "missing mandatory field: "+FieldEventNumber)
		return Result{Invalid: &Unparseable{
			Reason:      "missing event number",
			Diagnostics: diags,
		}}
	}

	switch kind {
	case "DISPATCH":
		if fields[FieldAddress] == "" {
			diags = append(diags, "missing optional field: "+FieldAddress)
		}
		if fields[FieldEventType] == "" {
			diags = append(diags, "missing optional field: "+FieldEventType)
		}
		return Result{
			Dispatch: &DispatchReport{
				EventNumber:  eventNumber,
				EventType:    fields[FieldEventType],
				EventSubtype: fields[FieldEventSubtype],
				Address:      fields[FieldAddress],
				Municipality: fields[FieldMunicipality],
				Units:        units,
			},
			Diagnostics: diags,
		}
	default: // CLEAR
		if len(units) == 0 {
			diags = append(diags, "clear report carries no unit rows")
		}
		return Result{
			Clear: &ClearReport{
				EventNumber: eventNumber,
				Units:       units,
			},
			Diagnostics: diags,
		}
	}
}

// detectKind 按标题行结构标记识别报文种类
func detectKind(lines []string, g *Grammar) string {
	for _, line := range lines {
		upper := strings.ToUpper(line)
		for _, m := range g.DispatchMarkers {
			if strings.Contains(upper, strings.ToUpper(m)) {
				return "DISPATCH"
			}
		}
		for _, m := range g.ClearMarkers {
			if strings.Contains(upper, strings.ToUpper(m)) {
				return "CLEAR"
			}
		}
	}
	return ""
}

// extractFields 提取所有可识别的"标签: 值"对
func extractFields(lines []string, g *Grammar) map[string]string {
	fields := make(map[string]string)
	for _, line := range lines {
		m := labelLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		canonical, ok := g.Labels[strings.ToLower(strings.TrimSpace(m[1]))]
		if !ok {
			continue
		}
		value := strings.TrimSpace(m[2])
		// 同一字段重复出现时保留首个非空值
		if value != "" && fields[canonical] == "" {
			fields[canonical] = value
		}
	}
	return fields
}

// extractUnits 按表头列位置切分单位时间表
//
// 先定位与文法表头完全匹配的行，记录每列的起始偏移，
// 之后的行按列偏移切片取值，直到空行为止。
// 这样中间列缺失（单位未曾出发等）不会让后续列错位。
func extractUnits(lines []string, receivedAt time.Time, g *Grammar) ([]UnitEntry, []string) {
	headerIdx, offsets := findUnitHeader(lines, g)
	if headerIdx < 0 {
		return nil, nil
	}

	var units []UnitEntry
	var diags []string
	for _, line := range lines[headerIdx+1:] {
		if strings.TrimSpace(line) == "" {
			break
		}
		cells := sliceColumns(line, offsets)
		designator := strings.TrimSpace(cells[0])
		if designator == "" {
			continue
		}
		entry := UnitEntry{Designator: designator}
		stamps := []**time.Time{&entry.Dispatched, &entry.Enroute, &entry.Arrived, &entry.Available}
		for i, dst := range stamps {
			raw := strings.TrimSpace(cells[i+1])
			if raw == "" || raw == "-" {
				continue
			}
			t, ok := parseTime(raw, receivedAt, g.TimeLayouts)
			if !ok {
				diags = append(diags, fmt.Sprintf("unit %s: unparseable time %q", designator, raw))
				continue
			}
			*dst = t
		}
		units = append(units, entry)
	}
	return units, diags
}

// findUnitHeader 定位单位表头行并返回各列起始偏移
func findUnitHeader(lines []string, g *Grammar) (int, []int) {
	for i, line := range lines {
		tokens := strings.Fields(line)
		if len(tokens) != len(g.UnitHeader) {
			continue
		}
		match := true
		for j, want := range g.UnitHeader {
			if !strings.EqualFold(tokens[j], want) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		offsets := make([]int, len(tokens))
		pos := 0
		for j, tok := range tokens {
			idx := strings.Index(line[pos:], tok)
			offsets[j] = pos + idx
			pos = pos + idx + len(tok)
		}
		return i, offsets
	}
	return -1, nil
}

// sliceColumns 按列偏移切分一行
func sliceColumns(line string, offsets []int) []string {
	cells := make([]string, len(offsets))
	for i := range offsets {
		start := offsets[i]
		if start >= len(line) {
			cells[i] = ""
			continue
		}
		end := len(line)
		if i+1 < len(offsets) && offsets[i+1] < end {
			end = offsets[i+1]
		}
		cells[i] = line[start:end]
	}
	return cells
}

// parseTime 按文法布局顺序尝试解析时间值
// 只含时刻的布局（解析出的年份为0）用接收日期补全
func parseTime(raw string, receivedAt time.Time, layouts []string) (*time.Time, bool) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = time.Date(receivedAt.Year(), receivedAt.Month(), receivedAt.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, receivedAt.Location())
		}
		return &t, true
	}
	return nil, false
}
