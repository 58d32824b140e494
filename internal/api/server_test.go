package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/paramstrip/internal/engine"
	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/health"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/metrics"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulestore"
	"grimm.is/paramstrip/internal/rulesync"
	"grimm.is/paramstrip/internal/scheduler"
	"grimm.is/paramstrip/internal/testutil"
)

type testEnv struct {
	server *Server
	sync   *rulesync.Synchronizer
	hub    *events.Hub
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T, maxRules int, mutate ...func(*ServerOptions)) *testEnv {
	t.Helper()
	st := testutil.NewMemStore(t)

	rs, err := rulestore.New(st, logging.Nop())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	hub := events.NewHub()

	so := rulesync.DefaultOptions()
	so.Logger = logging.Nop()
	so.Events = hub
	so.Metrics = m
	sync := rulesync.New(rs, engine.NewAdapter(engine.NewMemoryBackend(maxRules), logging.Nop()), so)

	serverOpts := ServerOptions{
		Sync:     sync,
		Events:   hub,
		Logger:   logging.Nop(),
		Metrics:  m,
		Gatherer: reg,
		Seed: func() ([]rules.Builder, error) {
			return []rules.Builder{rules.Spec{Parameter: "utm_source", Group: "UTM"}, rules.Spec{Parameter: "gclid"}}, nil
		},
	}
	for _, fn := range mutate {
		fn(&serverOpts)
	}
	srv, err := NewServer(serverOpts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if srv.ws != nil {
			srv.ws.Close()
		}
	})
	return &testEnv{server: srv, sync: sync, hub: hub, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func strPtr(s string) *string { return &s }

func TestRules_CRUD(t *testing.T) {
	env := newTestEnv(t, 0)

	rr := env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "fbclid", Group: strPtr("Social")})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[RuleResponse](t, rr)
	assert.Equal(t, 1, created.Rule.ID)
	assert.Equal(t, "Rule 1 created", created.Message)

	rr = env.do(t, "GET", "/api/rules/1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[rules.Record](t, rr)
	assert.Equal(t, "fbclid", got.Parameter())
	assert.True(t, got.Enabled)

	rr = env.do(t, "PUT", "/api/rules/1", RuleRequest{
		Parameter:        "fbclid",
		DomainFilterType: "Whitelist",
		DomainFilterList: "facebook.com, instagram.com",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	edited := decode[RuleResponse](t, rr)
	assert.Equal(t, 2, edited.Rule.ID)
	assert.Equal(t, "Social", edited.Rule.Group, "group survives an edit without one")
	assert.Equal(t, []string{"facebook.com", "instagram.com"}, edited.Rule.Condition.ExcludedRequestDomains)

	rr = env.do(t, "POST", "/api/rules/2/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[RuleResponse](t, rr).Rule.Enabled)

	rr = env.do(t, "GET", "/api/engine", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0.0, decode[map[string]any](t, rr)["count"])

	rr = env.do(t, "DELETE", "/api/rules/2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Rule 2 deleted", decode[RuleResponse](t, rr).Message)

	rr = env.do(t, "GET", "/api/rules/2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRules_Regroup(t *testing.T) {
	env := newTestEnv(t, 0)
	rec, err := env.sync.Create(context.Background(), rules.Spec{Parameter: "mc_cid", Group: "Mail"})
	require.NoError(t, err)

	rr := env.do(t, "PUT", "/api/rules/1/group", GroupRequest{Group: "Newsletter"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decode[RuleResponse](t, rr)
	assert.Equal(t, rec.ID, moved.Rule.ID, "regrouping keeps the id")
	assert.Equal(t, "Newsletter", moved.Rule.Group)
	assert.Equal(t, "Rule 1 moved to Newsletter", moved.Message)

	rr = env.do(t, "PUT", "/api/rules/7/group", GroupRequest{Group: "Newsletter"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRules_ListByGroup(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.sync.Create(ctx, rules.Spec{Parameter: "utm_source", Group: "UTM"})
	require.NoError(t, err)
	_, err = env.sync.Create(ctx, rules.Spec{Parameter: "gclid"})
	require.NoError(t, err)
	_, err = env.sync.CreateWhitelist(ctx, "example.com")
	require.NoError(t, err)

	all := decode[[]rules.Record](t, env.do(t, "GET", "/api/rules", nil))
	assert.Len(t, all, 2, "whitelist rules are listed separately")

	utm := decode[[]rules.Record](t, env.do(t, "GET", "/api/rules?group=UTM", nil))
	require.Len(t, utm, 1)
	assert.Equal(t, "utm_source", utm[0].Parameter())

	groups := decode[[]rules.Group](t, env.do(t, "GET", "/api/groups", nil))
	require.Len(t, groups, 1)
	assert.Equal(t, "UTM", groups[0].Name)

	wl := decode[[]rules.Record](t, env.do(t, "GET", "/api/whitelist", nil))
	require.Len(t, wl, 1)
	assert.Equal(t, "example.com", wl[0].Domain())

	empty := env.do(t, "GET", "/api/rules?group=none", nil)
	assert.Equal(t, "[]\n", empty.Body.String())
}

func TestRules_ErrorStatus(t *testing.T) {
	env := newTestEnv(t, 1)

	rr := env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "a"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "a"}, "Accept-Language", "de-DE")
	assert.Equal(t, http.StatusConflict, rr.Code)
	resp := decode[ErrorResponse](t, rr)
	assert.Equal(t, "duplicate", resp.Category)
	assert.Equal(t, "Eine Regel für a existiert bereits", resp.Error)

	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "b"})
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
	assert.Equal(t, "Max number of dynamic rules reached", decode[ErrorResponse](t, rr).Error)

	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "bad value"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "c", DomainFilterType: "Sometimes"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "GET", "/api/rules/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "DELETE", "/api/rules/9", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest("POST", "/api/rules", strings.NewReader(`{"parameter": "x", "bogus": 1}`))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&rules.DuplicateError{}, http.StatusConflict},
		{rules.ErrNotFound, http.StatusNotFound},
		{&rules.ValidationError{}, http.StatusBadRequest},
		{rules.ErrMaxRulesExceeded, http.StatusInsufficientStorage},
		{&engine.RuleError{RuleID: 1}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: disk", rules.ErrStoreWriteFailed), http.StatusServiceUnavailable},
		{&rules.OpError{Op: rules.OpCreate, Err: rules.ErrVersionConflict}, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestWhitelist_Create(t *testing.T) {
	env := newTestEnv(t, 0)

	rr := env.do(t, "POST", "/api/whitelist", WhitelistRequest{Domain: "example.com"})
	require.Equal(t, http.StatusCreated, rr.Code)
	rec := decode[RuleResponse](t, rr).Rule
	assert.Equal(t, rules.GlobalWhitelistGroup, rec.Group)
	assert.Equal(t, rules.ActionAllow, rec.Action.Type)

	rr = env.do(t, "POST", "/api/whitelist", WhitelistRequest{Domain: "example.com"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, "POST", "/api/whitelist", WhitelistRequest{Domain: "not a domain"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestURLs(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.sync.Create(ctx, rules.Spec{Parameter: "utm_source"})
	require.NoError(t, err)

	rr := env.do(t, "POST", "/api/urls/params", URLRequest{URL: "https://shop.example.com/item?id=7&utm_source=mail"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	params := decode[[]ParamInfo](t, rr)
	require.Len(t, params, 2)
	assert.Equal(t, ParamInfo{Name: "id"}, params[0])
	assert.Equal(t, ParamInfo{Name: "utm_source", Covered: true, RuleID: 1, Enabled: true}, params[1])

	rr = env.do(t, "POST", "/api/urls/clean", URLRequest{URL: "https://shop.example.com/item?id=7&utm_source=mail"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[engine.Result](t, rr)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"utm_source"}, res.Removed)
	assert.NotContains(t, res.URL, "utm_source")
	assert.Contains(t, res.URL, "id=7")
}

func TestReconcileAndSeed(t *testing.T) {
	env := newTestEnv(t, 0)

	rr := env.do(t, "POST", "/api/seed", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "2 default rules added, 0 already present", body["message"])

	rr = env.do(t, "POST", "/api/reconcile?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	drift := decode[rulesync.Drift](t, rr)
	assert.True(t, drift.Empty())

	rr = env.do(t, "POST", "/api/reconcile?dry_run=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRateLimit_MutatingRoutes(t *testing.T) {
	env := newTestEnv(t, 0, func(o *ServerOptions) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})

	rr := env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "a"}, "X-Real-IP", "10.1.1.1")
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "b"}, "X-Real-IP", "10.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// another client has its own bucket
	rr = env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "b"}, "X-Real-IP", "10.1.1.2")
	assert.Equal(t, http.StatusCreated, rr.Code)

	// reads are never limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/rules", nil, "X-Real-IP", "10.1.1.1").Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 0)

	rr := env.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	report := decode[health.Report](t, rr)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "rules")
	assert.Contains(t, report.Checks, "engine")

	env.do(t, "POST", "/api/rules", RuleRequest{Parameter: "a"})

	rr = env.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := rr.Body.String()
	assert.Contains(t, out, `paramstrip_api_requests_total{code="201",method="POST",route="POST /api/rules"} 1`)
	assert.Contains(t, out, `paramstrip_rule_operations_total{op="create",result="ok"} 1`)

	rr = env.do(t, "GET", "/api/brand", nil)
	assert.Equal(t, "ParamStrip", decode[map[string]string](t, rr)["name"])
}

func TestTasks(t *testing.T) {
	env := newTestEnv(t, 0)
	rr := env.do(t, "GET", "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())

	env = newTestEnv(t, 0, func(o *ServerOptions) {
		o.Tasks = func() []scheduler.TaskStatus {
			return []scheduler.TaskStatus{{ID: "reconcile", Name: "Reconcile", RunCount: 3}}
		}
	})
	tasks := decode[[]scheduler.TaskStatus](t, env.do(t, "GET", "/api/tasks", nil))
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(3), tasks[0].RunCount)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(req))
}

func TestNewServer_RequiresSync(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	assert.Error(t, err)
}
