package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/delivery/deliverytest"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/retryqueue"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/tracker"
)

type processFunc func(ctx context.Context, leadID string, rerun bool) (*model.RunOutcome, error)

func (f processFunc) ProcessLead(ctx context.Context, leadID string, opts ...pipeline.RunOption) (*model.RunOutcome, error) {
	return f(ctx, leadID, len(opts) > 0)
}

type fakeRetries struct {
	entries    []model.RetryEntry
	lastFilter store.RetryFilter
	requeueErr error
}

func (f *fakeRetries) List(_ context.Context, filter store.RetryFilter) ([]model.RetryEntry, error) {
	f.lastFilter = filter
	return f.entries, nil
}

func (f *fakeRetries) Requeue(_ context.Context, messageID string) (*model.RetryEntry, error) {
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
	return &model.RetryEntry{MessageID: messageID, LeadID: "L1", MaxAttempts: 5}, nil
}

type fakeReporter struct {
	window time.Duration
}

func (f *fakeReporter) Metrics(_ context.Context, window time.Duration) (*tracker.Report, error) {
	f.window = window
	return &tracker.Report{Window: window, Sent: 10, Delivered: 9, DeliveryRate: 0.9}, nil
}

type fixture struct {
	srv      *httptest.Server
	st       *store.SQLiteStore
	gw       *deliverytest.Gateway
	retries  *fakeRetries
	reporter *fakeReporter
	breakers *resilience.ServiceBreakers
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, proc processFunc) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		st:       st,
		gw:       deliverytest.New(),
		retries:  &fakeRetries{},
		reporter: &fakeReporter{},
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		metrics:  metrics.New(),
	}
	if proc == nil {
		proc = func(context.Context, string, bool) (*model.RunOutcome, error) {
			return nil, errors.New("unexpected call")
		}
	}
	s := New(Deps{
		Coordinator:    proc,
		Store:          st,
		Retries:        f.retries,
		Tracker:        f.reporter,
		Gateway:        f.gw,
		Breakers:       f.breakers,
		Metrics:        f.metrics,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestHealth_OK(t *testing.T) {
	f := newFixture(t, nil)
	f.breakers.Get(pipeline.StageDelivery)

	resp, body := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Status   string            `json:"status"`
		Checks   map[string]string `json:"checks"`
		Breakers []breakerState    `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "ok", got.Checks["gateway"])
	require.Len(t, got.Breakers, 1)
	assert.Equal(t, pipeline.StageDelivery, got.Breakers[0].Stage)
}

func TestHealth_GatewayDown(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.SetHealth(errors.New("gateway unreachable"))

	resp, body := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "degraded")
	assert.Contains(t, string(body), "gateway unreachable")
}

func TestProcessLead(t *testing.T) {
	var gotRerun bool
	f := newFixture(t, func(_ context.Context, leadID string, rerun bool) (*model.RunOutcome, error) {
		gotRerun = rerun
		return &model.RunOutcome{LeadID: leadID, RunID: "run-1", Status: model.OutcomeDelivered}, nil
	})

	resp, body := f.do(t, http.MethodPost, "/v1/leads/L1/process")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.RunOutcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "L1", out.LeadID)
	assert.Equal(t, model.OutcomeDelivered, out.Status)
	assert.False(t, gotRerun)

	resp, _ = f.do(t, http.MethodPost, "/v1/leads/L1/process?rerun=true")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, gotRerun)
}

func TestProcessLead_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", resilience.NewValidationError(eris.Wrap(pipeline.ErrInvalidInput, "unknown lead")), http.StatusBadRequest},
		{"in progress", eris.Wrapf(pipeline.ErrRunInProgress, "pipeline: lead %s", "L1"), http.StatusConflict},
		{"suspended", eris.Wrap(pipeline.ErrSuspended, "pipeline: breaker open for delivery"), http.StatusServiceUnavailable},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(context.Context, string, bool) (*model.RunOutcome, error) {
				return nil, tt.err
			})
			resp, body := f.do(t, http.MethodPost, "/v1/leads/L1/process")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, decodeError(t, body))
		})
	}
}

func TestGetLead(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.st.CreateLead(context.Background(), &model.LeadAggregate{LeadID: "L1"})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/v1/leads/L1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agg model.LeadAggregate
	require.NoError(t, json.Unmarshal(body, &agg))
	assert.Equal(t, model.StageCreated, agg.Stage)
	assert.Equal(t, int64(1), agg.Version)

	resp, _ = f.do(t, http.MethodGet, "/v1/leads/MISSING")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListLeads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.st.CreateLead(ctx, &model.LeadAggregate{LeadID: "L1"})
	require.NoError(t, err)
	_, err = f.st.CreateLead(ctx, &model.LeadAggregate{LeadID: "L2", Stage: model.StageFailed})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/v1/leads?stage=failed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var leads []model.LeadAggregate
	require.NoError(t, json.Unmarshal(body, &leads))
	require.Len(t, leads, 1)
	assert.Equal(t, "L2", leads[0].LeadID)

	resp, body = f.do(t, http.MethodGet, "/v1/leads")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &leads))
	assert.Len(t, leads, 2)

	resp, _ = f.do(t, http.MethodGet, "/v1/leads?stage=SHIPPED")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/leads?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeadInteractions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.st.AppendInteraction(ctx, &model.InteractionRecord{
		InteractionID: "i-1",
		LeadID:        "L1",
		Type:          model.InteractionStageTransition,
		Timestamp:     time.Now().UTC(),
		StatusBefore:  model.StageCreated,
		StatusAfter:   model.StageResearching,
	}))

	resp, body := f.do(t, http.MethodGet, "/v1/leads/L1/interactions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []model.InteractionRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, model.StageResearching, recs[0].StatusAfter)

	resp, body = f.do(t, http.MethodGet, "/v1/leads/NONE/interactions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestListRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.retries.entries = []model.RetryEntry{{MessageID: "m-1", LeadID: "L1", DeadLetter: true}}

	resp, body := f.do(t, http.MethodGet, "/v1/retries?dead_letter=true&lead_id=L1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []model.RetryEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	require.NotNil(t, f.retries.lastFilter.DeadLetter)
	assert.True(t, *f.retries.lastFilter.DeadLetter)
	assert.Equal(t, "L1", f.retries.lastFilter.LeadID)

	resp, _ = f.do(t, http.MethodGet, "/v1/retries?dead_letter=maybe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/v1/retries/m-1/requeue")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"message_id":"m-1"`)

	f.retries.requeueErr = eris.Wrap(retryqueue.ErrNotDeadLetter, "retryqueue: m-1")
	resp, _ = f.do(t, http.MethodPost, "/v1/retries/m-1/requeue")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.retries.requeueErr = eris.Wrap(store.ErrNotFound, "sqlite: retry m-2")
	resp, _ = f.do(t, http.MethodPost, "/v1/retries/m-2/requeue")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsSummary(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/v1/metrics/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 24*time.Hour, f.reporter.window)
	assert.Contains(t, string(body), "0.9")

	resp, _ = f.do(t, http.MethodGet, "/v1/metrics/summary?window=1h")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Hour, f.reporter.window)

	resp, _ = f.do(t, http.MethodGet, "/v1/metrics/summary?window=soon")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakers_Reset(t *testing.T) {
	f := newFixture(t, nil)
	f.breakers.Get(pipeline.StageDelivery).Record(resilience.NewAuthError(errors.New("bad token"), 401))
	require.Equal(t, []string{pipeline.StageDelivery}, f.breakers.Open())

	resp, body := f.do(t, http.MethodGet, "/v1/admin/breakers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"open"`)

	resp, _ = f.do(t, http.MethodPost, "/v1/admin/breakers/reset")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.breakers.Open())
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.metrics.FallbackUsed()

	resp, body := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "outreach_fallback_messages_total 1"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/leads/L1/process", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
