package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/hub"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pubTenant = "550e8400-e29b-41d4-a716-446655440000"

func testIncident() *domain.Incident {
	return &domain.Incident{
		IncidentID:     "inc-1",
		TenantID:       pubTenant,
		IncidentNumber: "FIRE2026-0001",
		CADEventNumber: "T260001",
		Category:       "FIRE",
		State:          domain.IncidentOpen,
		EventType:      "STRUCTURE FIRE",
		Address:        "123 MAIN ST",
	}
}

func TestPublisher_DispatchAlertMirroredToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	p := NewPublisher(h, client, zap.NewNop())

	p.DispatchAlert(testIncident(), []string{"ENG481", "CHF480"})

	stream := alertStreamPrefix + pubTenant
	require.True(t, mr.Exists(stream))
	entries, err := mr.Stream(stream)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 流条目携带完整 JSON 信封
	values := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	var envelope struct {
		Type string           `json:"type"`
		Data hub.AlertPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(values["data"]), &envelope))
	assert.Equal(t, hub.EventDispatch, envelope.Type)
	assert.Equal(t, "FIRE2026-0001", envelope.Data.IncidentNumber)
	assert.Equal(t, []string{"ENG481", "CHF480"}, envelope.Data.Units)
	assert.NotEmpty(t, values["timestamp"])
}

func TestPublisher_CloseAlertMirroredToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	p := NewPublisher(h, client, zap.NewNop())

	p.CloseAlert(testIncident())

	entries, err := mr.Stream(alertStreamPrefix + pubTenant)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPublisher_IncidentEventsNotMirrored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	p := NewPublisher(h, client, zap.NewNop())

	// 只有声光告警进流，事件生命周期只走 Hub
	p.IncidentCreated(testIncident())
	p.IncidentUpdated(testIncident())
	p.IncidentClosed(testIncident())

	assert.False(t, mr.Exists(alertStreamPrefix+pubTenant))
}

func TestPublisher_NilRedisSkipsMirror(t *testing.T) {
	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	p := NewPublisher(h, nil, zap.NewNop())

	// 没有 Redis 也不 panic，Hub 扇出照常
	p.DispatchAlert(testIncident(), []string{"ENG481"})
	p.CloseAlert(testIncident())
}

func TestPublisher_StreamFailureDoesNotBlock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	p := NewPublisher(h, client, zap.NewNop())

	// Redis 故障只记日志，发布路径不报错不阻塞
	done := make(chan struct{})
	go func() {
		p.DispatchAlert(testIncident(), []string{"ENG481"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on redis failure")
	}
}
