package repository

import (
	"context"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"
)

// IncidentsRepository 事件存储接口
//
// 去重键 (tenant_id, cad_event_number) 的唯一性由存储层约束保证，
// 不依赖应用层判断；序号分配是 (tenant, year, category) 维度的
// 串行化声明操作，并发 Dispatch 不会重号。
type IncidentsRepository interface {
	// GetByEventNumber 按厂商事件号查找事件；未找到返回包装 sql.ErrNoRows 的错误
	GetByEventNumber(ctx context.Context, tenantID, cadEventNumber string) (*domain.Incident, error)

	// ClaimSequence 原子领取 (tenant, year, category) 的下一个序号
	ClaimSequence(ctx context.Context, tenantID string, year int, category string) (int, error)

	// CreateIncident 事务内创建事件 + 单位 + 审计记录
	// 若 (tenant_id, cad_event_number) 已存在（并发重复投递），
	// 返回 created=false 且不产生任何写入，调用方走更新路径
	CreateIncident(ctx context.Context, inc *domain.Incident, units []domain.IncidentUnit, audit domain.AuditEntry) (created bool, err error)

	// UpdateFromDispatch 幂等更新已有事件（重复/补充的 Dispatch 报文）
	UpdateFromDispatch(ctx context.Context, inc *domain.Incident, units []domain.IncidentUnit, audit domain.AuditEntry) error

	// CloseFromClear 事务内结案：更新单位时间、置 CLOSED、写响应时间、
	// 对 Clear 报文缺失的已派遣单位生成复核记录；返回被复核的单位列表。
	// 重复投递的 Clear（事件已 CLOSED）只补单位时间与审计，
	// 不覆盖 closed_at，返回 closed=false，调用方不再发布结案事件
	CloseFromClear(ctx context.Context, tenantID, cadEventNumber string, units []domain.IncidentUnit, responseSecs *int, audit domain.AuditEntry) (inc *domain.Incident, flagged []string, closed bool, err error)

	// InsertParseError 落数据质量记录
	InsertParseError(ctx context.Context, perr domain.ParseError) error
}
