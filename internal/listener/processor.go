package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/cad"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/repository"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Publisher 广播发布出口
//
// 所有方法必须是非阻塞的尽力投递：慢消费者不能拖住
// 报文处理与数据库提交路径。实现见 internal/service。
type Publisher interface {
	IncidentCreated(inc *domain.Incident)
	IncidentUpdated(inc *domain.Incident)
	IncidentClosed(inc *domain.Incident)
	DispatchAlert(inc *domain.Incident, units []string)
	CloseAlert(inc *domain.Incident)
}

// allocRetries 序号/唯一键冲突的重试次数
const allocRetries = 3

// payloadHeadLen 数据质量记录保留的报文前缀长度
const payloadHeadLen = 512

// Processor 报文处理器：解析、去重、落库、审计、发布
type Processor struct {
	repo    repository.IncidentsRepository
	pub     Publisher
	mailbox *Mailbox
	grammar *cad.Grammar

	// 事件类型包含这些关键词时归类为 EMS，否则 FIRE
	emsKeywords []string

	logger *zap.Logger
}

// NewProcessor 创建报文处理器
func NewProcessor(repo repository.IncidentsRepository, pub Publisher, mailbox *Mailbox, grammar *cad.Grammar, logger *zap.Logger) *Processor {
	if grammar == nil {
		grammar = cad.DefaultGrammar()
	}
	return &Processor{
		repo:        repo,
		pub:         pub,
		mailbox:     mailbox,
		grammar:     grammar,
		emsKeywords: []string{"EMS", "MEDICAL", "ALS", "BLS", "OVERDOSE", "CARDIAC"},
		logger:      logger,
	}
}

// Process 处理一份原始报文
//
// 副作用顺序不变量：先镜像到信箱，再解析落库，
// 数据库提交成功之后才发布广播事件（emit-after-commit）。
func (p *Processor) Process(ctx context.Context, raw domain.RawReport) error {
	pendingPath, err := p.mailbox.WritePending(raw.TenantID, raw.Payload, raw.ReceivedAt)
	if err != nil {
		// 镜像失败不阻断事件处理，但要记日志
		p.logger.Error("Failed to mirror raw report to mailbox",
			zap.String("tenant_id", raw.TenantID),
			zap.Error(err),
		)
		pendingPath = ""
	}

	res := cad.Parse(raw.Payload, raw.ReceivedAt, p.grammar)
	if len(res.Diagnostics) > 0 {
		p.logger.Warn("CAD report parsed with diagnostics",
			zap.String("tenant_id", raw.TenantID),
			zap.Strings("diagnostics", res.Diagnostics),
		)
	}

	var procErr error
	switch {
	case res.Invalid != nil:
		procErr = p.recordInvalid(ctx, raw, pendingPath, res.Invalid.Reason, res.Invalid.Diagnostics)
	case res.Dispatch != nil:
		procErr = p.processDispatch(ctx, raw, pendingPath, res.Dispatch)
	case res.Clear != nil:
		procErr = p.processClear(ctx, raw, pendingPath, res.Clear)
	default:
		procErr = fmt.Errorf("parser returned empty result")
	}
	if procErr != nil {
		// 处理失败的报文也要离开待定状态，否则中转永不转发
		p.finalizeMailbox(pendingPath, FailedName(raw.ReceivedAt))
	}
	return procErr
}

// recordInvalid 无法进入事件流水的报文：落数据质量记录，处理继续
func (p *Processor) recordInvalid(ctx context.Context, raw domain.RawReport, pendingPath, reason string, diags []string) error {
	p.logger.Warn("Unparseable CAD report",
		zap.String("tenant_id", raw.TenantID),
		zap.String("reason", reason),
		zap.Strings("diagnostics", diags),
	)
	if err := p.repo.InsertParseError(ctx, domain.ParseError{
		TenantID:    raw.TenantID,
		Reason:      reason,
		Diagnostics: diags,
		PayloadHead: raw.PayloadHead(payloadHeadLen),
		ReceivedAt:  raw.ReceivedAt,
	}); err != nil {
		return err
	}
	p.finalizeMailbox(pendingPath, UnparsedName(raw.ReceivedAt))
	return nil
}

// processDispatch 派遣报文：首见分配事件、再见幂等更新
func (p *Processor) processDispatch(ctx context.Context, raw domain.RawReport, pendingPath string, rep *cad.DispatchReport) error {
	units := p.toUnits(rep.Units)

	existing, err := p.repo.GetByEventNumber(ctx, raw.TenantID, rep.EventNumber)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing != nil {
		return p.updateFromDispatch(ctx, raw, pendingPath, rep, existing, units)
	}

	category := p.categorize(rep.EventType)
	year := raw.ReceivedAt.Year()

	for attempt := 0; attempt < allocRetries; attempt++ {
		seq, err := p.repo.ClaimSequence(ctx, raw.TenantID, year, category)
		if err != nil {
			return err
		}
		number := fmt.Sprintf("%s%d-%04d", category, year, seq)

		inc := &domain.Incident{
			TenantID:       raw.TenantID,
			IncidentNumber: number,
			CADEventNumber: rep.EventNumber,
			Category:       category,
			State:          domain.IncidentOpen,
			EventType:      rep.EventType,
			EventSubtype:   rep.EventSubtype,
			Address:        rep.Address,
			Municipality:   rep.Municipality,
			CreatedAt:      raw.ReceivedAt,
		}
		finalName := FinalName(number, rep.EventNumber, raw.ReceivedAt)
		audit := p.auditEntry(raw, rep.EventNumber, "DISPATCH", finalName)

		created, err := p.repo.CreateIncident(ctx, inc, units, audit)
		if err != nil {
			if isUniqueViolation(err) {
				// 序号撞车：重新领号再试，绝不向上抛出
				p.logger.Warn("Incident number collision, retrying",
					zap.String("incident_number", number),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return err
		}
		if !created {
			// 并发投递先到一步：走幂等更新路径
			existing, err := p.repo.GetByEventNumber(ctx, raw.TenantID, rep.EventNumber)
			if err != nil {
				return err
			}
			return p.updateFromDispatch(ctx, raw, pendingPath, rep, existing, units)
		}

		// 提交已持久化，此后才发布事件
		p.finalizeMailbox(pendingPath, finalName)
		p.logger.Info("Incident created",
			zap.String("tenant_id", raw.TenantID),
			zap.String("incident_number", number),
			zap.String("cad_event_number", rep.EventNumber),
			zap.String("category", category),
		)
		p.pub.IncidentCreated(inc)
		p.pub.DispatchAlert(inc, unitNames(units))
		return nil
	}
	return fmt.Errorf("incident allocation failed after %d attempts", allocRetries)
}

// updateFromDispatch 同事件号的重复/补充派遣报文
func (p *Processor) updateFromDispatch(ctx context.Context, raw domain.RawReport, pendingPath string, rep *cad.DispatchReport, existing *domain.Incident, units []domain.IncidentUnit) error {
	finalName := FinalName(existing.IncidentNumber, rep.EventNumber, raw.ReceivedAt)
	audit := p.auditEntry(raw, rep.EventNumber, "DISPATCH", finalName)

	upd := &domain.Incident{
		TenantID:       raw.TenantID,
		CADEventNumber: rep.EventNumber,
		EventType:      rep.EventType,
		EventSubtype:   rep.EventSubtype,
		Address:        rep.Address,
		Municipality:   rep.Municipality,
	}
	if err := p.repo.UpdateFromDispatch(ctx, upd, units, audit); err != nil {
		return err
	}

	p.finalizeMailbox(pendingPath, finalName)
	p.logger.Info("Incident updated from dispatch",
		zap.String("tenant_id", raw.TenantID),
		zap.String("incident_number", existing.IncidentNumber),
		zap.String("cad_event_number", rep.EventNumber),
	)
	p.pub.IncidentUpdated(mergeDispatch(existing, rep))
	return nil
}

// mergeDispatch 合并出发布快照：只补空字段，与数据库侧的补空更新一致
func mergeDispatch(existing *domain.Incident, rep *cad.DispatchReport) *domain.Incident {
	merged := *existing
	if merged.EventType == "" {
		merged.EventType = rep.EventType
	}
	if merged.EventSubtype == "" {
		merged.EventSubtype = rep.EventSubtype
	}
	if merged.Address == "" {
		merged.Address = rep.Address
	}
	if merged.Municipality == "" {
		merged.Municipality = rep.Municipality
	}
	return &merged
}

// processClear 结案报文：结算单位时间、关闭事件、计算响应时间
func (p *Processor) processClear(ctx context.Context, raw domain.RawReport, pendingPath string, rep *cad.ClearReport) error {
	units := p.toUnits(rep.Units)
	responseSecs := responseSeconds(units)

	// 审计里的文件名依赖事件编号，先取已有事件
	existing, err := p.repo.GetByEventNumber(ctx, raw.TenantID, rep.EventNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// 没有对应事件的结案报文：数据质量问题，不是故障
			return p.recordInvalid(ctx, raw, pendingPath,
				"clear report for unknown event number",
				[]string{"cad_event_number: " + rep.EventNumber})
		}
		return err
	}

	finalName := FinalName(existing.IncidentNumber, rep.EventNumber, raw.ReceivedAt)
	audit := p.auditEntry(raw, rep.EventNumber, "CLEAR", finalName)

	inc, flagged, closed, err := p.repo.CloseFromClear(ctx, raw.TenantID, rep.EventNumber, units, responseSecs, audit)
	if err != nil {
		return err
	}
	if !closed {
		// 重复投递的 Clear：单位时间已补，不再发布结案事件
		p.finalizeMailbox(pendingPath, finalName)
		p.logger.Info("Duplicate clear for closed incident",
			zap.String("tenant_id", raw.TenantID),
			zap.String("incident_number", inc.IncidentNumber),
			zap.String("cad_event_number", rep.EventNumber),
		)
		return nil
	}

	if len(flagged) > 0 {
		p.logger.Warn("Units flagged for reconciliation review",
			zap.String("incident_number", inc.IncidentNumber),
			zap.Strings("units", flagged),
		)
	}

	p.finalizeMailbox(pendingPath, finalName)
	p.logger.Info("Incident closed",
		zap.String("tenant_id", raw.TenantID),
		zap.String("incident_number", inc.IncidentNumber),
		zap.String("cad_event_number", rep.EventNumber),
	)
	p.pub.IncidentClosed(inc)
	p.pub.CloseAlert(inc)
	return nil
}

// ============================================
// 内部辅助
// ============================================

func (p *Processor) toUnits(entries []cad.UnitEntry) []domain.IncidentUnit {
	units := make([]domain.IncidentUnit, 0, len(entries))
	for _, e := range entries {
		units = append(units, domain.IncidentUnit{
			Unit:              e.Designator,
			Dispatched:        e.Dispatched,
			Enroute:           e.Enroute,
			Arrived:           e.Arrived,
			Available:         e.Available,
			CountsForResponse: p.grammar.Counts(e.Designator),
		})
	}
	return units
}

func (p *Processor) categorize(eventType string) string {
	upper := strings.ToUpper(eventType)
	for _, kw := range p.emsKeywords {
		if strings.Contains(upper, kw) {
			return "EMS"
		}
	}
	return "FIRE"
}

func (p *Processor) auditEntry(raw domain.RawReport, eventNumber, kind, mailboxFile string) domain.AuditEntry {
	return domain.AuditEntry{
		TenantID:       raw.TenantID,
		CADEventNumber: eventNumber,
		Kind:           kind,
		MailboxFile:    mailboxFile,
		ReceivedAt:     raw.ReceivedAt,
	}
}

func (p *Processor) finalizeMailbox(pendingPath, finalName string) {
	if pendingPath == "" {
		return
	}
	if err := p.mailbox.Finalize(pendingPath, finalName); err != nil {
		p.logger.Error("Failed to finalize mailbox file",
			zap.String("pending", pendingPath),
			zap.String("final", finalName),
			zap.Error(err),
		)
	}
}

// responseSeconds 响应时间：参与统计单位中 (到场-派遣) 的最小值
func responseSeconds(units []domain.IncidentUnit) *int {
	var best *int
	for _, u := range units {
		if !u.CountsForResponse || u.Dispatched == nil || u.Arrived == nil {
			continue
		}
		secs := int(u.Arrived.Sub(*u.Dispatched) / time.Second)
		if secs < 0 {
			continue
		}
		if best == nil || secs < *best {
			v := secs
			best = &v
		}
	}
	return best
}

func unitNames(units []domain.IncidentUnit) []string {
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Unit)
	}
	return names
}

// isUniqueViolation PostgreSQL 唯一约束冲突
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
