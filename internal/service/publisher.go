package service

import (
	"context"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/hub"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// alertStreamPrefix 声光告警事件的 Redis Stream 前缀
// 语音播报服务从 cad:alerts:<tenant_id> 消费
const alertStreamPrefix = "cad:alerts:"

// streamPublishTimeout 流发布的有界超时，不拖累报文处理路径
const streamPublishTimeout = 2 * time.Second

// Publisher 广播事件发布器
//
// 实现 listener.Publisher：Hub 扇出本身是非阻塞的；
// Redis Stream 镜像带超时且失败只记日志，属尽力投递。
// 调用方保证只在数据库提交之后调用（emit-after-commit）。
type Publisher struct {
	hub    *hub.Hub
	redis  *redis.Client
	logger *zap.Logger
}

// NewPublisher 创建发布器；redisClient 可为 nil（不做流镜像）
func NewPublisher(h *hub.Hub, redisClient *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{hub: h, redis: redisClient, logger: logger}
}

// IncidentCreated 事件新建
func (p *Publisher) IncidentCreated(inc *domain.Incident) {
	p.publishIncident(hub.EventIncidentCreated, inc)
}

// IncidentUpdated 事件更新
func (p *Publisher) IncidentUpdated(inc *domain.Incident) {
	p.publishIncident(hub.EventIncidentUpdated, inc)
}

// IncidentClosed 事件结案
func (p *Publisher) IncidentClosed(inc *domain.Incident) {
	p.publishIncident(hub.EventIncidentClosed, inc)
}

// DispatchAlert 派遣声光告警
func (p *Publisher) DispatchAlert(inc *domain.Incident, units []string) {
	payload := hub.AlertPayload{
		IncidentID:     inc.IncidentID,
		IncidentNumber: inc.IncidentNumber,
		Category:       inc.Category,
		EventType:      inc.EventType,
		Address:        inc.Address,
		Units:          units,
	}
	p.publishAlert(hub.EventDispatch, inc.TenantID, payload)
}

// CloseAlert 结案声光告警
func (p *Publisher) CloseAlert(inc *domain.Incident) {
	payload := hub.AlertPayload{
		IncidentID:     inc.IncidentID,
		IncidentNumber: inc.IncidentNumber,
		Category:       inc.Category,
		EventType:      inc.EventType,
		Address:        inc.Address,
		Units:          []string{},
	}
	p.publishAlert(hub.EventClose, inc.TenantID, payload)
}

func (p *Publisher) publishIncident(eventType string, inc *domain.Incident) {
	p.hub.Publish(hub.Event{
		TenantID: inc.TenantID,
		Channel:  hub.ChannelIncidents,
		Type:     eventType,
		Payload: hub.IncidentPayload{
			IncidentID:     inc.IncidentID,
			IncidentNumber: inc.IncidentNumber,
			Category:       inc.Category,
			State:          inc.State,
			EventType:      inc.EventType,
			Address:        inc.Address,
		},
	})
}

func (p *Publisher) publishAlert(eventType, tenantID string, payload hub.AlertPayload) {
	p.hub.Publish(hub.Event{
		TenantID: tenantID,
		Channel:  hub.ChannelAlerts,
		Type:     eventType,
		Payload:  payload,
	})

	if p.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamPublishTimeout)
	defer cancel()
	envelope := map[string]interface{}{"type": eventType, "data": payload}
	if _, err := redisx.PublishJSONToStream(ctx, p.redis, alertStreamPrefix+tenantID, envelope); err != nil {
		p.logger.Warn("Failed to mirror alert to stream",
			zap.String("tenant_id", tenantID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
