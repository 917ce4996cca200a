package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/assign"
	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/monitoring"
	"github.com/gridharvest/coordinator/internal/pipeline"
	"github.com/gridharvest/coordinator/internal/registry"
	"github.com/gridharvest/coordinator/internal/store"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type testHarness struct {
	server  *Server
	handler http.Handler
	store   *store.MemoryStore
	sched   epoch.Schedule
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	sched := epoch.Schedule{Duration: 4 * time.Hour, Retention: 7 * 24 * time.Hour}

	cat := catalog.New([]model.WorkUnit{
		{ID: "u-1", Region: "r1", Tier: model.TierPrimary, ExpectedYield: 400,
			MinLon: -122.52, MinLat: 37.70, MaxLon: -122.35, MaxLat: 37.83},
		{ID: "u-2", Region: "r1", Tier: model.TierSecondary, ExpectedYield: 350},
		{ID: "u-3", Region: "r2", Tier: model.TierSecondary, ExpectedYield: 300},
	})
	mgr := assign.NewManager(cat, catalog.DefaultTierMultipliers(),
		assign.SelectionConfig{TargetYield: 1000, Tolerance: 0.2, MaxAttempts: 50},
		assign.GroupingConfig{ChunkSize: 10, OverlapFactor: 2, GroupSize: 2, MinOverlap: 1, MinGroupSize: 2},
		[]byte("shared-secret"),
	)

	reg := registry.New([]model.Submitter{
		{ID: "s-1", OwnerKey: "owner-1", Secret: "k1"},
		{ID: "s-2", OwnerKey: "owner-2", Secret: "k2"},
		{ID: "s-3", OwnerKey: "owner-3", Secret: "k3"},
		{ID: "s-4", OwnerKey: "owner-4", Secret: "k4"},
		{ID: "agg-1", OwnerKey: "ops", Secret: "ka", Class: model.SubmitterClassAggregator},
	})

	st := store.NewMemory()
	sch := pipeline.NewScheduler(sched, mgr, reg, st, 6).
		WithClock(func() time.Time { return testNow })
	col := monitoring.NewCollector(st, nil, nil, "ground_truth")

	opts := DefaultOptions()
	opts.SubmitRate = 100
	opts.SubmitBurst = 100
	srv := NewServer(sched, sch, reg, cat, st, col, opts).
		WithClock(func() time.Time { return testNow })

	return &testHarness{server: srv, handler: srv.Router(), store: st, sched: sched}
}

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func authHeaders(r *http.Request, submitterID, secret, action string, extra ...string) {
	ts := testNow.Unix()
	r.Header.Set(headerSubmitter, submitterID)
	r.Header.Set(headerTimestamp, fmt.Sprintf("%d", ts))
	r.Header.Set(headerProof, sign(secret, ProofMessage(action, submitterID, ts, extra...)))
}

func (h *testHarness) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestAssignmentAuthRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodPost, "/v1/assignments", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errAuthInvalid, errorCode(t, w))
}

func TestRequestAssignmentBadProof(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/assignments", nil)
	authHeaders(r, "s-1", "wrong-secret", actionAssign)
	w := h.do(r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errAuthInvalid, errorCode(t, w))
}

func TestRequestAssignmentStaleTimestamp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ts := testNow.Add(-time.Hour).Unix()
	r := httptest.NewRequest(http.MethodPost, "/v1/assignments", nil)
	r.Header.Set(headerSubmitter, "s-1")
	r.Header.Set(headerTimestamp, fmt.Sprintf("%d", ts))
	r.Header.Set(headerProof, sign("k1", ProofMessage(actionAssign, "s-1", ts)))

	w := h.do(r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errTimestampOutside, errorCode(t, w))
}

func TestRequestAssignmentIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	fetch := func() assignmentResponse {
		r := httptest.NewRequest(http.MethodPost, "/v1/assignments", nil)
		authHeaders(r, "s-1", "k1", actionAssign)
		w := h.do(r)
		require.Equal(t, http.StatusOK, w.Code)
		var resp assignmentResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	first := fetch()
	require.NotNil(t, first.Batch)
	assert.NotEmpty(t, first.Batch.Token)
	assert.NotEmpty(t, first.Batch.UnitIDs)

	second := fetch()
	assert.Equal(t, first.Batch.Token, second.Batch.Token)
	assert.Equal(t, first.Batch.UnitIDs, second.Batch.UnitIDs)
	assert.Equal(t, first.AssignedUnits, second.AssignedUnits)
}

func TestRequestAssignmentUnitMetadata(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/assignments", nil)
	authHeaders(r, "s-1", "k1", actionAssign)
	w := h.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp assignmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Units, len(resp.AssignedUnits))

	byID := make(map[string]assignedUnit, len(resp.Units))
	for _, u := range resp.Units {
		byID[u.ID] = u
	}

	u1, ok := byID["u-1"]
	require.True(t, ok)
	assert.Equal(t, "r1", u1.Region)
	assert.Equal(t, model.TierPrimary, u1.Tier)
	assert.Equal(t, int64(400), u1.ExpectedYield)
	require.Len(t, u1.BBox, 4)
	assert.InDelta(t, -122.52, u1.BBox[0], 1e-9)
	assert.InDelta(t, 37.70, u1.BBox[1], 1e-9)
	assert.InDelta(t, -122.35, u1.BBox[2], 1e-9)
	assert.InDelta(t, 37.83, u1.BBox[3], 1e-9)

	// No geometry in the catalog, no bbox on the wire.
	assert.Empty(t, byID["u-2"].BBox)
}

func TestGetAssignmentRequiresAggregatorClass(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ep := h.sched.At(testNow)

	r := httptest.NewRequest(http.MethodGet, "/v1/assignments/"+ep.ID, nil)
	authHeaders(r, "s-1", "k1", actionFetch, ep.ID)
	w := h.do(r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, errForbidden, errorCode(t, w))
}

func TestGetAssignment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ep := h.sched.At(testNow)

	require.NoError(t, h.store.SaveBatch(context.Background(), &model.AssignmentBatch{
		EpochID:    ep.ID,
		EpochStart: ep.Start,
		Token:      "tok-1",
		UnitIDs:    []string{"u-1"},
		Status:     model.AssignmentStatusOK,
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/assignments/"+ep.ID, nil)
	authHeaders(r, "agg-1", "ka", actionFetch, ep.ID)
	w := h.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var batch model.AssignmentBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, "tok-1", batch.Token)
}

func TestGetAssignmentOutsideRetention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	old := h.sched.At(testNow.Add(-8 * 24 * time.Hour))

	r := httptest.NewRequest(http.MethodGet, "/v1/assignments/"+old.ID, nil)
	authHeaders(r, "agg-1", "ka", actionFetch, old.ID)
	w := h.do(r)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, errEpochExpired, errorCode(t, w))
}

func TestGetAssignmentMalformedEpochID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/assignments/bogus", nil)
	authHeaders(r, "agg-1", "ka", actionFetch, "bogus")
	w := h.do(r)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errUnknownEpoch, errorCode(t, w))
}

// submitBatch publishes a hand-built batch covering u-1 assigned to s-1 and
// s-2.
func (h *testHarness) submitBatch(t *testing.T) *model.AssignmentBatch {
	t.Helper()
	ep := h.sched.At(testNow)
	batch := &model.AssignmentBatch{
		EpochID:    ep.ID,
		EpochStart: ep.Start,
		EpochEnd:   ep.End,
		Deadline:   ep.Deadline,
		Token:      "tok-submit",
		UnitIDs:    []string{"u-1"},
		Groups: []model.SubmitterGroup{
			{UnitIDs: []string{"u-1"}, SubmitterIDs: []string{"s-1", "s-2"}, OverlapIndex: 0},
		},
		Status: model.AssignmentStatusOK,
	}
	require.NoError(t, h.store.SaveBatch(context.Background(), batch))
	return batch
}

func submitRequest(t *testing.T, batch *model.AssignmentBatch, submitterID, secret string, count int64) *http.Request {
	t.Helper()
	body, err := json.Marshal(model.Submission{
		EpochID:      batch.EpochID,
		UnitID:       "u-1",
		RecordCount:  count,
		RecordDigest: "digest-" + submitterID,
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader(body))
	authHeaders(r, submitterID, secret, actionSubmit)
	r.Header.Set("X-Assignment-Token", batch.Token)
	return r
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)

	w := h.do(submitRequest(t, batch, "s-1", "k1", 100))
	require.Equal(t, http.StatusAccepted, w.Code)

	subs, err := h.store.ListSubmissions(context.Background(), batch.EpochID, "u-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s-1", subs[0].SubmitterID)
	assert.Equal(t, int64(100), subs[0].RecordCount)
}

func TestSubmitReplacesUntilDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)

	require.Equal(t, http.StatusAccepted, h.do(submitRequest(t, batch, "s-1", "k1", 100)).Code)
	require.Equal(t, http.StatusAccepted, h.do(submitRequest(t, batch, "s-1", "k1", 150)).Code)

	subs, err := h.store.ListSubmissions(context.Background(), batch.EpochID, "u-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(150), subs[0].RecordCount)
}

func TestSubmitTokenMismatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)

	r := submitRequest(t, batch, "s-1", "k1", 100)
	r.Header.Set("X-Assignment-Token", "tok-wrong")
	w := h.do(r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errTokenMismatch, errorCode(t, w))
}

func TestSubmitAfterDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)
	batch.Deadline = testNow.Add(-time.Minute)

	// Republish with a passed deadline under a different epoch id.
	batch.EpochID = "ep-1"
	require.NoError(t, h.store.SaveBatch(context.Background(), batch))

	w := h.do(submitRequest(t, batch, "s-1", "k1", 100))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errDeadlinePassed, errorCode(t, w))
}

func TestSubmitNotAssigned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)

	w := h.do(submitRequest(t, batch, "s-3", "k3", 100))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, errNotAssigned, errorCode(t, w))
}

func TestSubmitIdentityComesFromProof(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	batch := h.submitBatch(t)

	// The body claims to be s-2 but the proof is s-1's; the stored row
	// must carry the authenticated identity.
	body, err := json.Marshal(model.Submission{
		EpochID:      batch.EpochID,
		UnitID:       "u-1",
		SubmitterID:  "s-2",
		RecordCount:  100,
		RecordDigest: "digest-x",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader(body))
	authHeaders(r, "s-1", "k1", actionSubmit)
	r.Header.Set("X-Assignment-Token", batch.Token)
	require.Equal(t, http.StatusAccepted, h.do(r).Code)

	subs, err := h.store.ListSubmissions(context.Background(), batch.EpochID, "u-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s-1", subs[0].SubmitterID)
}

func TestSubmitMissingRequiredFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.submitBatch(t)

	body := []byte(`{"unit_id":"u-1"}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader(body))
	authHeaders(r, "s-1", "k1", actionSubmit)
	w := h.do(r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errBadRequest, errorCode(t, w))
}

func TestSubmitUnknownEpoch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	batch := &model.AssignmentBatch{EpochID: "ep-404", Token: "tok"}
	w := h.do(submitRequest(t, batch, "s-1", "k1", 100))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errUnknownEpoch, errorCode(t, w))
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.submitBatch(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap monitoring.EpochSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, h.sched.At(testNow).ID, snap.EpochID)
	assert.Equal(t, 1, snap.UnitsAssigned)
	assert.Equal(t, 2, snap.SubmittersExpected)
}

func TestStatusRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var limited bool
	for i := 0; i < 50; i++ {
		w := h.do(httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		if w.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, errRateLimited, errorCode(t, w))
			break
		}
	}
	assert.True(t, limited, "global status ceiling never tripped")
}
