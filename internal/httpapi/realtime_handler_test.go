package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/auth"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/hub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRealtimeHandler(t *testing.T) (*RealtimeHandler, *auth.Gate) {
	t.Helper()
	_, gate, _ := setupAuthHandler(t)
	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())
	rh, err := NewRealtimeHandler(h, gate, []string{"10.0.0.0/8", "127.0.0.1/32"}, zap.NewNop())
	require.NoError(t, err)
	return rh, gate
}

func TestNewRealtimeHandler_InvalidCIDR(t *testing.T) {
	_, gate, _ := setupAuthHandler(t)
	h := hub.NewHub(25*time.Second, 60*time.Second, 32, zap.NewNop())

	_, err := NewRealtimeHandler(h, gate, []string{"not-a-cidr"}, zap.NewNop())
	assert.Error(t, err)
}

func TestAdmit_TokenQueryParam(t *testing.T) {
	rh, gate := setupRealtimeHandler(t)

	access, err := gate.IssueAccessToken(handlerTenant, auth.LevelTenant, "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/incidents/ws?token="+access, nil)
	tenantID, err := rh.admit(r)
	require.NoError(t, err)
	assert.Equal(t, handlerTenant, tenantID)
}

func TestAdmit_NoCredential(t *testing.T) {
	rh, _ := setupRealtimeHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/incidents/ws", nil)
	_, err := rh.admit(r)
	assert.ErrorIs(t, err, auth.ErrNoCredential)
}

func TestAdmit_TenantOverrideFromInternalNetwork(t *testing.T) {
	rh, gate := setupRealtimeHandler(t)

	access, err := gate.IssueAccessToken(handlerTenant, auth.LevelTenant, "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/alerts/ws?token="+access, nil)
	r.Header.Set(TenantOverrideHeader, "proxied-tenant")
	r.RemoteAddr = "10.1.2.3:41000"

	tenantID, err := rh.admit(r)
	require.NoError(t, err)
	assert.Equal(t, "proxied-tenant", tenantID)
}

func TestAdmit_TenantOverrideRejectedFromExternalAddress(t *testing.T) {
	rh, gate := setupRealtimeHandler(t)

	access, err := gate.IssueAccessToken(handlerTenant, auth.LevelTenant, "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/alerts/ws?token="+access, nil)
	r.Header.Set(TenantOverrideHeader, "proxied-tenant")
	r.RemoteAddr = "203.0.113.7:41000"

	_, err = rh.admit(r)
	assert.Error(t, err)
}

func TestRoster_RequiresUserLevel(t *testing.T) {
	rh, gate := setupRealtimeHandler(t)

	access, err := gate.IssueAccessToken(handlerTenant, auth.LevelTenant, "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/alerts/roster", nil)
	r.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()

	rh.Roster(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoster_EmptyForIdleTenant(t *testing.T) {
	rh, gate := setupRealtimeHandler(t)

	access, err := gate.IssueAccessToken(handlerTenant, auth.LevelUser, "u1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/realtime/api/v1/alerts/roster", nil)
	r.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()

	rh.Roster(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}
