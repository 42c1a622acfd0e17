package domain

import "time"

// RawReport 单条入站连接收到的原始报文
// 不可变：接收后仅被解析器消费、并镜像到信箱目录
type RawReport struct {
	TenantID   string
	Payload    []byte
	ReceivedAt time.Time
}

// PayloadHead 返回截断的报文前缀（数据质量记录用）
func (r *RawReport) PayloadHead(n int) string {
	if len(r.Payload) <= n {
		return string(r.Payload)
	}
	return string(r.Payload[:n])
}
