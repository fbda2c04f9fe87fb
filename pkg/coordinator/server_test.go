package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent()

	rec := agent.register()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.RegisterResponse](t, rec)
	assert.Equal(t, agent.keys.ID, resp.AgentID)
	assert.Equal(t, "pending", resp.Status)

	rec = agent.register()
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, api.CodeConflict, decode[api.ErrorResponse](t, rec).Code)
}

func TestRegister_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing key", `{"name":"porch"}`},
		{"garbage key", `{"public_key":"-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, api.PathRegister, strings.NewReader(tt.body))
			rec := env.do(req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCheckin_PendingAndRevokedGet403(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent()
	require.Equal(t, http.StatusOK, agent.register().Code)

	rec := agent.checkin(nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "pending", decode[api.ErrorResponse](t, rec).Status)
	assert.True(t, agent.record().LastSeenAt.IsZero())

	_, err := env.coord.Registry().Approve(context.Background(), agent.keys.ID)
	require.NoError(t, err)

	rec = agent.checkin(nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sched := decode[api.ScheduleResponse](t, rec)
	assert.Equal(t, 1, sched.N)
	assert.Equal(t, 0, sched.Slot)
	assert.Equal(t, 6.0, sched.GlobalInterval)
	assert.Equal(t, testUpstream, sched.FetchURL)
	assert.Equal(t, testReferer, sched.Headers["Referer"])

	_, err = env.coord.Registry().Revoke(context.Background(), agent.keys.ID)
	require.NoError(t, err)

	before := agent.record()
	rec = agent.report(api.ReportRequest{Error: "x"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "revoked", decode[api.ErrorResponse](t, rec).Status)
	assert.Equal(t, before, agent.record())
}

func TestSignedEndpoints_AuthenticationFailures(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent().approved()

	t.Run("unknown agent", func(t *testing.T) {
		stranger := env.newAgent()
		rec := stranger.checkin(nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, api.CodeUnknownAgent, decode[api.ErrorResponse](t, rec).Code)
	})

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, api.PathCheckin, strings.NewReader("{}"))
		assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		body := []byte(`{"success":false,"error":"a"}`)
		req := httptest.NewRequest(http.MethodPost, api.PathReport, strings.NewReader(`{"success":false,"error":"b"}`))
		require.NoError(t, agent.signer.SignRequest(req, body))
		assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
	})

	t.Run("signed by another key", func(t *testing.T) {
		other, err := identity.NewKeyPair()
		require.NoError(t, err)
		forged := &identity.KeyPair{ID: agent.keys.ID, PrivateKey: other.PrivateKey, PublicPEM: other.PublicPEM}
		rec := agent.signedWith(identity.NewSigner(forged, env.clock), api.PathCheckin, api.CheckinRequest{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	got := agent.record()
	assert.True(t, got.LastSeenAt.IsZero())
	assert.Equal(t, int64(0), got.TotalReports)

	events := env.coord.Events().GetEvents(observability.EventFilter{
		Types: []observability.EventType{observability.EventAuthenticationFailed},
	})
	assert.NotEmpty(t, events)
}

func TestSignedEndpoints_Freshness(t *testing.T) {
	tests := []struct {
		name string
		skew time.Duration
		want int
	}{
		{"29s old", -29 * time.Second, http.StatusOK},
		{"30s old", -30 * time.Second, http.StatusOK},
		{"31s old", -31 * time.Second, http.StatusUnauthorized},
		{"31s ahead", 31 * time.Second, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			agent := env.newAgent().approved()
			signer := identity.NewSigner(agent.keys, clock.Fake(testNow.Add(tt.skew)))

			rec := agent.signedWith(signer, api.PathCheckin, api.CheckinRequest{})
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/agents", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	denied := env.coord.Events().GetEvents(observability.EventFilter{
		Types: []observability.EventType{observability.EventAdminDenied},
	})
	assert.Len(t, denied, 2)
}

func TestAdmin_AgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent()
	require.Equal(t, http.StatusOK, agent.register().Code)

	rec := env.admin(http.MethodPost, "/admin/agents/"+agent.keys.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", decode[api.AgentView](t, rec).Status)

	rec = env.admin(http.MethodPost, "/admin/agents/"+agent.keys.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.admin(http.MethodPatch, "/admin/agents/"+agent.keys.ID, api.RenameRequest{Name: "harbour view"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "harbour view", decode[api.AgentView](t, rec).Name)

	rec = env.admin(http.MethodPatch, "/admin/agents/"+agent.keys.ID, api.RenameRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 6; i++ {
		agent.report(api.ReportRequest{Error: "blocked", ErrorKind: "http"})
	}
	rec = env.admin(http.MethodGet, "/admin/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.AgentListResponse](t, rec)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "degraded", list.Agents[0].Health)

	rec = env.admin(http.MethodPost, "/admin/agents/"+agent.keys.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "revoked", decode[api.AgentView](t, rec).Status)

	for _, path := range []string{"/admin/agents/ffffffffffffffff/approve", "/admin/agents/ffffffffffffffff/revoke"} {
		rec = env.admin(http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	events := env.coord.Events().GetEvents(observability.EventFilter{ResourceID: agent.keys.ID})
	var types []observability.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, observability.EventAgentRegistered)
	assert.Contains(t, types, observability.EventAgentApproved)
	assert.Contains(t, types, observability.EventAgentRevoked)
}

func TestAdmin_ProvisionReturnsKeyOnce(t *testing.T) {
	env := newTestEnv(t)

	rec := env.admin(http.MethodPost, "/admin/agents", api.ProvisionRequest{Name: "library"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[api.ProvisionResponse](t, rec)
	assert.Contains(t, resp.PrivateKey, "PRIVATE KEY")
	assert.Equal(t, "approved", resp.Agent.Status)

	key, err := identity.DecodePrivateKey([]byte(resp.PrivateKey))
	require.NoError(t, err)
	keys, err := identity.KeyPairFromPrivateKey(key)
	require.NoError(t, err)
	assert.Equal(t, resp.Agent.ID, keys.ID)

	for _, path := range []string{"/admin/agents", "/admin/agents/" + resp.Agent.ID} {
		rec = env.admin(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "PRIVATE KEY")
	}

	// the provisioned key works immediately
	agent := &testAgent{env: env, keys: keys, signer: identity.NewSigner(keys, env.clock)}
	assert.Equal(t, http.StatusOK, agent.checkin(nil).Code)
}

func TestAdmin_ProvisionPendingPolicy(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ProvisionStatus = membership.StatusPending })

	rec := env.admin(http.MethodPost, "/admin/agents", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pending", decode[api.ProvisionResponse](t, rec).Agent.Status)
}

func TestAdmin_PauseResumeAndStatus(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent().approved()
	require.Equal(t, http.StatusOK, agent.checkin(nil).Code)

	rec := env.admin(http.MethodGet, "/admin/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[api.StatusResponse](t, rec)
	assert.Equal(t, 1, status.TotalAgents)
	assert.Equal(t, 1, status.LiveAgents)
	assert.True(t, status.AgentsCovering)
	assert.False(t, status.CollectorPaused)
	assert.Equal(t, 1, status.ByStatus["approved"])

	rec = env.admin(http.MethodPost, "/admin/collector/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.CollectorState](t, rec).Paused)
	assert.True(t, env.coord.Paused())

	env.clock.Advance(time.Minute)
	status = decode[api.StatusResponse](t, env.admin(http.MethodGet, "/admin/status", nil))
	assert.True(t, status.CollectorPaused)
	assert.False(t, status.AgentsCovering)
	assert.Equal(t, 0, status.LiveAgents)

	rec = env.admin(http.MethodPost, "/admin/collector/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.coord.Paused())

	events := env.coord.Events().GetEvents(observability.EventFilter{
		Types: []observability.EventType{observability.EventCollectorPaused, observability.EventCollectorResumed},
	})
	require.Len(t, events, 2)
	assert.Equal(t, "tester", events[0].ActorID)
}

func TestAdmin_ScheduleView(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAgent().approved()
	b := env.newAgent().approved()
	a.checkin(nil)
	b.checkin(nil)

	rec := env.admin(http.MethodGet, "/admin/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[api.ScheduleView](t, rec)
	assert.Equal(t, 2, view.N)
	require.Len(t, view.Slots, 2)
	assert.Equal(t, 12.0, view.Slots[1].IntervalSeconds)
	assert.Equal(t, 6.0, view.Slots[1].OffsetSeconds)
	assert.NotEmpty(t, view.Slots[0].Name)
}

func TestAdmin_EventsQuery(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent()
	agent.register()

	rec := env.admin(http.MethodGet, "/admin/events?type=agent.registered&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Events []observability.Event `json:"events"`
	}](t, rec)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, agent.keys.ID, resp.Events[0].ResourceID)

	rec = env.admin(http.MethodGet, "/admin/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/ready"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
