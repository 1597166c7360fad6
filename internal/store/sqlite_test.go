package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testLead(t *testing.T, id string) *model.LeadAggregate {
	t.Helper()
	snap, err := model.NewCRMSnapshot("salesforce", model.Contact{
		ID:      id,
		Name:    "Dana Reyes",
		Company: "Acme Plumbing",
		Mobile:  "+15550100",
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return &model.LeadAggregate{LeadID: id, CRMSnapshot: snap}
}

// --- Leads ---

func TestSQLite_CreateAndGetLead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)
	assert.Equal(t, model.StageCreated, created.Stage)
	assert.Equal(t, int64(1), created.Version)
	assert.Nil(t, created.Lock)

	got, err := st.GetLead(ctx, "L1")
	require.NoError(t, err)
	c, err := got.CRMSnapshot.Contact()
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", c.Company)
	assert.Equal(t, "salesforce", got.CRMSnapshot.Source)
}

func TestSQLite_CreateLead_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)

	_, err = st.CreateLead(ctx, testLead(t, "L1"))
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestSQLite_GetLead_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetLead(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdateLead_FieldScoped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)

	research := &model.ResearchResult{
		RunID:           "run-1",
		Provider:        "perplexity",
		ConfidenceScore: 0.8,
		Findings:        model.ResearchFindings{Summary: "Family-owned plumbing firm"},
	}
	v2, err := st.UpdateLead(ctx, "L1", 1, PatchFor(research))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.Equal(t, model.StageResearched, v2.Stage)

	msg := &model.MessageResult{RunID: "run-1", MessageID: "m-1", Text: "Hi Dana"}
	v3, err := st.UpdateLead(ctx, "L1", 2, PatchFor(msg))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3.Version)

	// Research written in the earlier patch survives the message patch.
	require.NotNil(t, v3.Research)
	assert.Equal(t, "Family-owned plumbing firm", v3.Research.Findings.Summary)
	require.NotNil(t, v3.Message)
	assert.Equal(t, "m-1", v3.Message.MessageID)
	assert.Nil(t, v3.Delivery)
}

func TestSQLite_UpdateLead_StaleVersion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)
	_, err = st.UpdateLead(ctx, "L1", 1, StagePatch(model.StageResearching))
	require.NoError(t, err)

	_, err = st.UpdateLead(ctx, "L1", 1, StagePatch(model.StageFailed))
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := st.GetLead(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StageResearching, got.Stage)
}

func TestSQLite_UpdateLead_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.UpdateLead(context.Background(), "nope", 1, StagePatch(model.StageResearching))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdateLead_ConcurrentSameVersion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpdateLead(ctx, "L1", 1, StagePatch(model.StageResearching))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestSQLite_LockRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateLead(ctx, testLead(t, "L1"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	locked, err := st.UpdateLead(ctx, "L1", 1, LeadPatch{Lock: &model.RunLock{HeldBy: "run-1", AcquiredAt: at}})
	require.NoError(t, err)
	require.NotNil(t, locked.Lock)
	assert.Equal(t, "run-1", locked.Lock.HeldBy)
	assert.True(t, at.Equal(locked.Lock.AcquiredAt))

	cleared, err := st.UpdateLead(ctx, "L1", 2, LeadPatch{ClearLock: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.Lock)
}

func TestSQLite_ListLeads_ByStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"L1", "L2", "L3"} {
		_, err := st.CreateLead(ctx, testLead(t, id))
		require.NoError(t, err)
	}
	_, err := st.UpdateLead(ctx, "L2", 1, StagePatch(model.StageResearching))
	require.NoError(t, err)

	all, err := st.ListLeads(ctx, LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	researching, err := st.ListLeads(ctx, LeadFilter{Stages: []model.Stage{model.StageResearching}})
	require.NoError(t, err)
	require.Len(t, researching, 1)
	assert.Equal(t, "L2", researching[0].LeadID)

	limited, err := st.ListLeads(ctx, LeadFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// --- Retry entries ---

func testRetry(id, leadID string, next time.Time) *model.RetryEntry {
	return &model.RetryEntry{
		MessageID:     id,
		LeadID:        leadID,
		Payload:       model.RetryPayload{RunID: "run-1", Recipient: "+15550100", Text: "Hi"},
		MaxAttempts:   3,
		NextAttemptAt: next,
	}
}

func TestSQLite_EnqueueRetry_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := st.EnqueueRetry(ctx, testRetry("m-1", "L1", now))
	require.NoError(t, err)
	assert.True(t, created)

	dup := testRetry("m-1", "L1", now.Add(time.Hour))
	dup.AttemptCount = 2
	created, err = st.EnqueueRetry(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := st.GetRetry(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, "Hi", got.Payload.Text)
	assert.WithinDuration(t, now, got.NextAttemptAt, time.Microsecond)
}

func TestSQLite_DueRetries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, e := range []*model.RetryEntry{
		testRetry("m-late", "L1", now.Add(time.Minute)),
		testRetry("m-2", "L2", now.Add(-time.Minute)),
		testRetry("m-1", "L1", now.Add(-2*time.Minute)),
	} {
		_, err := st.EnqueueRetry(ctx, e)
		require.NoError(t, err)
	}
	dead := testRetry("m-dead", "L3", now.Add(-time.Hour))
	dead.DeadLetter = true
	_, err := st.EnqueueRetry(ctx, dead)
	require.NoError(t, err)

	due, err := st.DueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "m-1", due[0].MessageID)
	assert.Equal(t, "m-2", due[1].MessageID)
}

func TestSQLite_UpdateRetry_DeadLetter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := testRetry("m-1", "L1", now)
	_, err := st.EnqueueRetry(ctx, e)
	require.NoError(t, err)

	e.AttemptCount = 3
	e.LastError = "gateway 503"
	e.DeadLetter = true
	e.DeadLetteredAt = &now
	require.NoError(t, st.UpdateRetry(ctx, e))

	got, err := st.GetRetry(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, got.DeadLetter)
	require.NotNil(t, got.DeadLetteredAt)
	assert.Equal(t, "gateway 503", got.LastError)

	// Dead letters are kept.
	assert.True(t, errors.Is(st.DeleteRetry(ctx, "m-1"), ErrNotFound))

	n, err := st.CountRetries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	isDead := true
	listed, err := st.ListRetries(ctx, RetryFilter{DeadLetter: &isDead})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSQLite_UpdateRetry_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateRetry(context.Background(), testRetry("nope", "L1", time.Now()))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_DeleteRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.EnqueueRetry(ctx, testRetry("m-1", "L1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, st.DeleteRetry(ctx, "m-1"))

	_, err = st.GetRetry(ctx, "m-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRetries_ByLead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, e := range []*model.RetryEntry{
		testRetry("m-1", "L1", now),
		testRetry("m-2", "L2", now),
	} {
		_, err := st.EnqueueRetry(ctx, e)
		require.NoError(t, err)
	}

	got, err := st.ListRetries(ctx, RetryFilter{LeadID: "L2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m-2", got[0].MessageID)
}

// --- Interactions ---

func TestSQLite_Interactions_OrderedAndAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []*model.InteractionRecord{
		{InteractionID: "i-2", LeadID: "L1", Type: model.InteractionDeliveryAttempt, Timestamp: ts.Add(time.Second),
			Details: model.InteractionDetails{Event: model.EventSent, MessageID: "m-1", Attempt: 1}},
		{InteractionID: "i-1", LeadID: "L1", Type: model.InteractionStageTransition, Timestamp: ts,
			StatusBefore: model.StageCreated, StatusAfter: model.StageResearching},
		{InteractionID: "i-3", LeadID: "L2", Type: model.InteractionStatusChange, Timestamp: ts},
	}
	for _, r := range recs {
		require.NoError(t, st.AppendInteraction(ctx, r))
	}

	got, err := st.InteractionsByLead(ctx, "L1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i-1", got[0].InteractionID)
	assert.Equal(t, model.StageResearching, got[0].StatusAfter)
	assert.Equal(t, model.EventSent, got[1].Details.Event)
	assert.Equal(t, 1, got[1].Details.Attempt)

	since, err := st.InteractionsSince(ctx, ts.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, since, 1)

	_, err = st.db.ExecContext(ctx, `UPDATE interactions SET type = 'x' WHERE interaction_id = 'i-1'`)
	assert.Error(t, err)
	_, err = st.db.ExecContext(ctx, `DELETE FROM interactions WHERE interaction_id = 'i-1'`)
	assert.Error(t, err)

	// Duplicate ids are rejected.
	assert.Error(t, st.AppendInteraction(ctx, recs[0]))
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
	b := time.Date(2026, 3, 1, 12, 0, 0, 40, time.FixedZone("x", 0))
	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, b.Equal(parsed))

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
