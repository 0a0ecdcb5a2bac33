package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/auth"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/broker"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/gate"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/policy"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/store"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type stubBroker struct {
	lookup broker.Lookup
}

func (b stubBroker) FindReroutingTarget(ctx context.Context, gpuType string) broker.Lookup {
	return b.lookup
}

func (b stubBroker) IsProviderReachable(ctx context.Context) bool {
	return !b.lookup.FailOpen
}

func failOpenBroker() stubBroker {
	model := broker.DefaultFallbackModel
	return stubBroker{lookup: broker.Lookup{
		FailOpen: true,
		Availability: models.InfrastructureAvailability{
			Available:        true,
			Models:           []models.ModelDescriptor{},
			RecommendedModel: &model,
		},
	}}
}

type fixture struct {
	store  *store.MemoryStore
	router http.Handler
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return now }))
	svc := gate.New(st, failOpenBroker(), gate.Config{
		Period:        policy.Period{Kind: policy.PeriodCalendarMonth},
		DefaultPolicy: models.BudgetPolicy{OrgID: "default", BudgetKg: 100, WarningPct: 80},
		Now:           func() time.Time { return now },
	})
	return fixture{store: st, router: New(svc, opts...).Router()}
}

func (f fixture) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func checkBody(kg float64) map[string]interface{} {
	return map[string]interface{}{
		"repo":     "ml/trainer",
		"branch":   "feature/bigger-batch",
		"prNumber": 7,
		"kgCO2e":   kg,
		"gpuType":  "H100",
	}
}

func TestCheckReturnsDecisions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/gate/check", checkBody(79), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d models.GateDecision
	decodeBody(t, rec, &d)
	assert.Equal(t, models.StatusPassed, d.Status)
	assert.Equal(t, "default", d.Policy.OrgID)
	assert.NotEqual(t, uuid.Nil, d.EventID)

	rec = f.do(t, http.MethodPost, "/gate/check", checkBody(30), "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &d)
	assert.Equal(t, models.StatusRerouteRecommended, d.Status)
	assert.True(t, d.FailOpen)
	require.NotNil(t, d.RecommendedModel)
	assert.Equal(t, broker.DefaultFallbackModel, *d.RecommendedModel)
	require.NotNil(t, d.Availability)
	assert.Empty(t, d.Availability.Models)
}

func TestCheckRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body interface{}
		kind string
	}{
		{"malformed json", `{"repo":`, "bad_request"},
		{"missing kg", map[string]interface{}{"repo": "r", "gpuType": "H100"}, "invalid_submission"},
		{"missing repo", map[string]interface{}{"kgCO2e": 1, "gpuType": "H100"}, "invalid_submission"},
		{"negative kg", checkBody(-1), "invalid_estimate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/gate/check", tc.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			decodeBody(t, rec, &body)
			assert.Equal(t, tc.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
	events, err := f.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckStoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.FailAppends(errors.New("disk full"))

	rec := f.do(t, http.MethodPost, "/gate/check", checkBody(5), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, true, body["retryable"])
}

func TestHistoryAndKPI(t *testing.T) {
	f := newFixture(t)
	for _, kg := range []float64{10, 20, 90} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/gate/check", checkBody(kg), "").Code)
	}

	rec := f.do(t, http.MethodGet, "/gate/history?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Events []models.GateEvent `json:"events"`
	}
	decodeBody(t, rec, &hist)
	require.Len(t, hist.Events, 2)
	assert.Equal(t, 90.0, hist.Events[0].KgCO2e)
	assert.Equal(t, models.StatusRerouteRecommended, hist.Events[0].Status)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/gate/history?limit=abc", nil, "").Code)

	rec = f.do(t, http.MethodGet, "/gate/kpi", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.KPISummary
	decodeBody(t, rec, &summary)
	assert.Equal(t, 2, summary.PassedCount)
	assert.Equal(t, 1, summary.RerouteCount)
	assert.InDelta(t, 120.0, summary.TotalKgCO2e, 1e-9)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), summary.PeriodStart)

	rec = f.do(t, http.MethodGet, "/gate/kpi?start=2026-10-01T00:00:00Z&end=2026-10-01T00:00:00Z", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/gate/kpi?start=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/gate/policy/acme", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.BudgetPolicy
	decodeBody(t, rec, &p)
	assert.Equal(t, "acme", p.OrgID)
	assert.Equal(t, 100.0, p.BudgetKg)

	rec = f.do(t, http.MethodPut, "/gate/policy/acme", map[string]float64{"budgetKg": 10, "warningPct": 50}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/gate/policy/acme", map[string]float64{"budgetKg": 10, "warningPct": 100}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := checkBody(6)
	body["orgId"] = "acme"
	rec = f.do(t, http.MethodPost, "/gate/check", body, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.GateDecision
	decodeBody(t, rec, &d)
	assert.Equal(t, models.StatusWarned, d.Status)
	assert.Equal(t, 10.0, d.Policy.BudgetKg)
}

func TestProviderStatusAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/gate/provider/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]bool
	decodeBody(t, rec, &status)
	assert.False(t, status["reachable"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, "").Code)
}

func TestAuthUsesTokenOrg(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	require.NoError(t, err)
	f := newFixture(t, WithVerifier(v))
	token, err := v.Issue("ci-bot", "acme", []string{auth.DefaultWriteScope}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/gate/check", checkBody(1), "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, "").Code)

	rec := f.do(t, http.MethodPost, "/gate/check", checkBody(1), token)
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.GateDecision
	decodeBody(t, rec, &d)
	assert.Equal(t, "acme", d.Estimate.OrgID)

	rec = f.do(t, http.MethodPut, "/gate/policy/beta", map[string]float64{"budgetKg": 10, "warningPct": 50}, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenOrgCannotActForAnotherOrg(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	require.NoError(t, err)
	f := newFixture(t, WithVerifier(v))
	token, err := v.Issue("ci-bot", "acme", []string{auth.DefaultWriteScope}, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()
	windowEnd := now.AddDate(0, 1, 0)

	body := checkBody(500)
	body["orgId"] = "beta"
	rec := f.do(t, http.MethodPost, "/gate/check", body, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	usage, err := f.store.UsageKg(ctx, "beta", time.Time{}, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 0.0, usage)

	body["orgId"] = "acme"
	rec = f.do(t, http.MethodPost, "/gate/check", body, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.GateDecision
	decodeBody(t, rec, &d)
	assert.Equal(t, "acme", d.Estimate.OrgID)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/gate/policy/beta", nil, token).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gate/policy/acme", nil, token).Code)
}

func overrideBody(kg float64, justification string) map[string]interface{} {
	body := checkBody(kg)
	body["justification"] = justification
	return body
}

func TestOverrideRoute(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	require.NoError(t, err)
	f := newFixture(t, WithVerifier(v))
	writer, err := v.Issue("ci-bot", "acme", []string{auth.DefaultWriteScope}, time.Hour)
	require.NoError(t, err)
	approver, err := v.Issue("release-manager", "acme", []string{auth.DefaultWriteScope, auth.OverrideScope}, time.Hour)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/gate/override", overrideBody(150, "urgent security retrain"), writer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/gate/override", overrideBody(150, "because"), approver)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	assert.Equal(t, "invalid_submission", errBody["kind"])

	rec = f.do(t, http.MethodPost, "/gate/override", overrideBody(150, "urgent security retrain"), approver)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d models.GateDecision
	decodeBody(t, rec, &d)
	assert.Equal(t, models.StatusPassed, d.Status)
	assert.Equal(t, "release-manager", d.OverriddenBy)
	assert.Equal(t, "acme", d.Estimate.OrgID)

	latest, err := f.store.LatestForRepo(context.Background(), "acme", "ml/trainer")
	require.NoError(t, err)
	assert.Equal(t, "urgent security retrain", latest.Justification)
}

func TestOverrideNeedsAuthentication(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/gate/override", overrideBody(150, "urgent security retrain"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	f := newFixture(t, WithRateLimiter(rl))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodGet, "/healthz", nil, "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rl.now = func() time.Time { return time.Now().Add(time.Hour) }
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}
