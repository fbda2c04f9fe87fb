package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/coordinator"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/scheduler"
	"github.com/wheretheplow/plowfleet/pkg/upstream"
)

var testNow = time.Date(2026, 2, 3, 5, 0, 0, 0, time.UTC)

const (
	testUpstream = "https://upstream.example.org/avl/query"
	testReferer  = "https://map.example.org/"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedFetcher fails its first failFirst calls with an HTTP 403
type scriptedFetcher struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	targets   []upstream.Target
}

func (f *scriptedFetcher) Fetch(_ context.Context, target upstream.Target) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.targets = append(f.targets, target)
	if f.calls <= f.failFirst {
		return nil, &upstream.FetchError{Kind: upstream.KindHTTP, StatusCode: http.StatusForbidden}
	}
	return json.RawMessage(`{"type":"FeatureCollection","features":[]}`), nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gate lets a test make the coordinator's report endpoint unavailable
type gate struct {
	next        http.Handler
	failReports atomic.Bool
}

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.failReports.Load() && r.URL.Path == api.PathReport {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	g.next.ServeHTTP(w, r)
}

type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	coord   *coordinator.Coordinator
	gate    *gate
	server  *httptest.Server
	fetcher *scriptedFetcher
}

func newHarness(t *testing.T, failFirst int, mutate ...func(*coordinator.Config)) *harness {
	t.Helper()
	clk := clock.Fake(testNow)
	config := &coordinator.Config{
		BindAddr:        "127.0.0.1:0",
		Logger:          zap.NewNop(),
		Store:           membership.NewMemoryStore(),
		UpstreamURL:     testUpstream,
		UpstreamReferer: testReferer,
		Clock:           clk,
	}
	for _, m := range mutate {
		m(config)
	}
	coord, err := coordinator.New(context.Background(), config)
	require.NoError(t, err)

	g := &gate{next: coord.Handler()}
	server := httptest.NewServer(g)
	t.Cleanup(server.Close)

	return &harness{
		t:       t,
		clock:   clk,
		coord:   coord,
		gate:    g,
		server:  server,
		fetcher: &scriptedFetcher{failFirst: failFirst},
	}
}

func (h *harness) newAgent(dir string) *Agent {
	h.t.Helper()
	a, err := New(&Config{
		ServerURL:  h.server.URL,
		DataDir:    dir,
		Name:       "porch",
		Logger:     zap.NewNop(),
		Clock:      h.clock,
		Fetcher:    h.fetcher,
		SystemInfo: "linux/amd64 porch",
	})
	require.NoError(h.t, err)
	return a
}

// start runs the agent until the test ends
func (h *harness) start(a *Agent) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

// tick releases the agent from its current wait and blocks until it is
// waiting again
func (h *harness) tick(d time.Duration) {
	h.clock.WaitForWaiters(1)
	h.clock.Advance(d)
	h.clock.WaitForWaiters(1)
}

func (h *harness) record(id string) *membership.Agent {
	h.t.Helper()
	agent, err := h.coord.Registry().Get(context.Background(), id)
	require.NoError(h.t, err)
	return agent
}

func (h *harness) approve(id string) {
	h.t.Helper()
	_, err := h.coord.Registry().Approve(context.Background(), id)
	require.NoError(h.t, err)
}

// startApproved starts a fresh agent and walks it through approval
func (h *harness) startApproved() *Agent {
	h.t.Helper()
	a := h.newAgent(h.t.TempDir())
	h.start(a)

	h.clock.WaitForWaiters(1)
	assert.Equal(h.t, membership.StatusPending, h.record(a.ID()).Status)
	h.approve(a.ID())
	h.tick(ApprovalPollInterval)
	return a
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{Logger: zap.NewNop()}).Validate())
	assert.Error(t, (&Config{ServerURL: "http://c"}).Validate())
	assert.Error(t, (&Config{ServerURL: "http://c", Logger: zap.NewNop(), FetchTimeout: -1}).Validate())

	c := &Config{ServerURL: "http://c", Logger: zap.NewNop()}
	require.NoError(t, c.Validate())
	assert.NotEmpty(t, c.DataDir)
	assert.Equal(t, DefaultRequestTimeout, c.RequestTimeout)
	assert.Equal(t, upstream.DefaultTimeout, c.FetchTimeout)
	assert.NotNil(t, c.Clock)
}

func TestAgent_RegistersWaitsAndReports(t *testing.T) {
	h := newHarness(t, 0)
	a := h.startApproved()

	sched := a.Schedule()
	assert.Equal(t, 1, sched.N)
	assert.Equal(t, 6*time.Second, sched.Period())
	assert.Equal(t, StateNormal, a.State())

	delay := a.nextDelay(h.clock.Now())
	assert.True(t, delay > 0 && delay <= 6*time.Second, "delay %v", delay)

	h.tick(delay)
	require.Equal(t, 1, h.fetcher.Calls())
	assert.Equal(t, testUpstream, h.fetcher.targets[0].URL)
	assert.Equal(t, testReferer, h.fetcher.targets[0].Headers["Referer"])

	got := h.record(a.ID())
	assert.Equal(t, "porch", got.Name)
	assert.Equal(t, "linux/amd64 porch", got.SystemInfo)
	assert.Equal(t, int64(1), got.TotalReports)
	assert.Equal(t, 0, got.ConsecutiveFailures)

	latest, ok := h.coord.Sink().Latest()
	require.True(t, ok)
	assert.Equal(t, a.ID(), latest.AgentID)
}

func TestAgent_DegradesHibernatesAndRecovers(t *testing.T) {
	h := newHarness(t, HibernateThreshold)
	a := h.startApproved()
	base := a.Schedule().Period()

	for k := 0; k < HibernateThreshold; k++ {
		require.Equal(t, k, a.Failures())
		delay := a.nextDelay(h.clock.Now())
		if k < DegradedThreshold {
			assert.LessOrEqual(t, delay, base, "k=%d", k)
		} else {
			assert.Equal(t, Backoff(k, base), delay, "k=%d", k)
		}
		h.tick(delay)
	}

	assert.Equal(t, HibernateThreshold, a.Failures())
	assert.Equal(t, StateHibernating, a.State())
	assert.Equal(t, HibernatePeriod, a.nextDelay(h.clock.Now()))
	assert.Equal(t, membership.HealthHibernating, h.record(a.ID()).Health())
	require.Equal(t, HibernateThreshold, h.fetcher.Calls())

	// no fetch before the hibernate period is over
	h.clock.Advance(HibernatePeriod - time.Second)
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, HibernateThreshold, h.fetcher.Calls())

	// the probe succeeds and the agent is back to its normal schedule
	h.tick(time.Second)
	assert.Equal(t, HibernateThreshold+1, h.fetcher.Calls())
	assert.Equal(t, 0, a.Failures())
	assert.Equal(t, StateNormal, a.State())
	assert.LessOrEqual(t, a.nextDelay(h.clock.Now()), base)

	got := h.record(a.ID())
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, membership.HealthHealthy, got.Health())
}

func TestAgent_FailedProbeChecksIn(t *testing.T) {
	h := newHarness(t, HibernateThreshold+1)
	a := h.startApproved()

	for a.Failures() < HibernateThreshold {
		h.tick(a.nextDelay(h.clock.Now()))
	}
	before := h.record(a.ID()).TotalReports

	h.tick(HibernatePeriod)
	assert.Equal(t, HibernateThreshold+1, a.Failures())
	assert.Equal(t, StateHibernating, a.State())

	got := h.record(a.ID())
	assert.Equal(t, before+1, got.TotalReports)
	assert.Equal(t, HibernateThreshold+1, got.ConsecutiveFailures)
	assert.Contains(t, got.LastError, "http")
}

func TestAgent_SuccessAfter29FailuresResets(t *testing.T) {
	h := newHarness(t, HibernateThreshold-1)
	a := h.startApproved()

	for a.Failures() < HibernateThreshold-1 {
		h.tick(a.nextDelay(h.clock.Now()))
	}
	assert.Equal(t, StateDegraded, a.State())

	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, 0, a.Failures())
	assert.Equal(t, StateNormal, a.State())

	now := h.clock.Now()
	next := now.Add(a.nextDelay(now))
	sched := a.Schedule()
	assert.Equal(t, sched.Offset(), time.Duration(next.UnixNano()%int64(sched.Period())))
}

func TestAgent_ExchangeFailureCounts(t *testing.T) {
	h := newHarness(t, 0)
	a := h.startApproved()

	h.gate.failReports.Store(true)
	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, 1, a.Failures())
	assert.Equal(t, 1, h.fetcher.Calls())

	h.gate.failReports.Store(false)
	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, 0, a.Failures())
}

func TestAgent_RevokedReturnsToApprovalLoop(t *testing.T) {
	h := newHarness(t, 0)
	a := h.startApproved()

	_, err := h.coord.Registry().Revoke(context.Background(), a.ID())
	require.NoError(t, err)

	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, 1, h.fetcher.Calls())

	// polling, not fetching
	h.tick(ApprovalPollInterval)
	h.tick(ApprovalPollInterval)
	assert.Equal(t, 1, h.fetcher.Calls())
	assert.Equal(t, int64(0), h.record(a.ID()).TotalReports)

	h.approve(a.ID())
	h.tick(ApprovalPollInterval)
	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, 2, h.fetcher.Calls())
	assert.Equal(t, int64(1), h.record(a.ID()).TotalReports)
}

func TestAgent_ReapprovalResetsFailures(t *testing.T) {
	h := newHarness(t, DegradedThreshold)
	a := h.startApproved()

	for a.Failures() < DegradedThreshold {
		h.tick(a.nextDelay(h.clock.Now()))
	}
	require.Equal(t, StateDegraded, a.State())

	_, err := h.coord.Registry().Revoke(context.Background(), a.ID())
	require.NoError(t, err)

	// the fetch succeeds but the report is refused
	h.tick(a.nextDelay(h.clock.Now()))
	assert.Equal(t, DegradedThreshold+1, h.fetcher.Calls())

	h.approve(a.ID())
	h.tick(ApprovalPollInterval)
	assert.Equal(t, 0, a.Failures())
	assert.Equal(t, StateNormal, a.State())
	assert.LessOrEqual(t, a.nextDelay(h.clock.Now()), a.Schedule().Period())
}

func withLongInterval(c *coordinator.Config) {
	c.GlobalInterval = time.Minute
}

func TestAgent_HeartbeatsBetweenFetches(t *testing.T) {
	h := newHarness(t, 0, withLongInterval)
	a := h.startApproved()

	sched := a.Schedule()
	require.Equal(t, time.Minute, sched.Period())
	require.Equal(t, scheduler.DefaultLivenessWindow, sched.LivenessWindow())
	heartbeat := scheduler.HeartbeatInterval(sched.LivenessWindow())

	lastContact := h.clock.Now()
	heartbeats := 0
	for h.fetcher.Calls() < 2 {
		now := h.clock.Now()
		wake, fetch := scheduler.NextWake(now, sched.Period(), sched.Offset(), heartbeat)
		calls := h.fetcher.Calls()
		h.tick(wake.Sub(now))

		got := h.record(a.ID())
		assert.True(t, got.LastSeenAt.Equal(wake), "last seen %s, want %s", got.LastSeenAt, wake)
		assert.LessOrEqual(t, wake.Sub(lastContact), heartbeat)
		lastContact = wake
		if fetch {
			assert.Equal(t, calls+1, h.fetcher.Calls())
			continue
		}
		heartbeats++
		assert.Equal(t, calls, h.fetcher.Calls())
		assert.True(t, got.Live(h.clock.Now().Add(-scheduler.DefaultLivenessWindow)))
	}

	assert.GreaterOrEqual(t, heartbeats, 3)
	assert.Equal(t, int64(2), h.record(a.ID()).TotalReports)
	assert.Equal(t, 0, a.Failures())
}

func TestAgent_RefusedHeartbeatReturnsToApprovalLoop(t *testing.T) {
	h := newHarness(t, 0, withLongInterval)
	a := h.startApproved()

	sched := a.Schedule()
	heartbeat := scheduler.HeartbeatInterval(sched.LivenessWindow())
	now := h.clock.Now()
	wake, fetch := scheduler.NextWake(now, sched.Period(), sched.Offset(), heartbeat)
	require.False(t, fetch)

	_, err := h.coord.Registry().Revoke(context.Background(), a.ID())
	require.NoError(t, err)

	h.tick(wake.Sub(now))
	h.tick(ApprovalPollInterval)
	assert.Equal(t, 0, h.fetcher.Calls())

	h.approve(a.ID())
	h.tick(ApprovalPollInterval)
	assert.Equal(t, StateNormal, a.State())
	assert.Equal(t, 0, h.fetcher.Calls())
}

func TestAgent_ReregistersWhenUnknown(t *testing.T) {
	h := newHarness(t, 0)
	dir := t.TempDir()

	existing, err := LoadOrCreateCredentials(dir, "attic")
	require.NoError(t, err)

	a := h.newAgent(dir)
	assert.Equal(t, existing.Keys.ID, a.ID())
	assert.Equal(t, "attic", a.Name())
	h.start(a)

	h.clock.WaitForWaiters(1)
	got := h.record(a.ID())
	assert.Equal(t, membership.StatusPending, got.Status)
	assert.Equal(t, "attic", got.Name)
}

func TestClient_Errors(t *testing.T) {
	h := newHarness(t, 0)
	a := h.newAgent(t.TempDir())
	ctx := context.Background()

	_, err := a.client.Checkin(ctx, nil)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	require.NoError(t, a.register(ctx))
	_, err = a.client.Register(ctx, api.RegisterRequest{PublicKey: string(a.creds.Keys.PublicPEM)})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.NoError(t, a.register(ctx))

	_, err = a.client.Checkin(ctx, nil)
	require.True(t, IsNotApproved(err))
	assert.Equal(t, "agent is pending", err.Error())

	_, err = a.client.Register(ctx, api.RegisterRequest{PublicKey: "junk"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	h.approve(a.ID())
	sched, err := a.client.Checkin(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), sched.AgentID)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{Logger: zap.NewNop()})
	assert.Error(t, err)

	h := newHarness(t, 0)
	a := h.newAgent(t.TempDir())
	c, err := NewClient(ClientConfig{BaseURL: h.server.URL + "/", Signer: a.client.signer, Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(c.baseURL, "/"))
}
