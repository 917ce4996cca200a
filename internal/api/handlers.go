package api

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/model"
)

// assignmentResponse wraps the epoch batch with the caller's own slice of
// the work and the catalog metadata needed to scope each collection run.
type assignmentResponse struct {
	Batch         *model.AssignmentBatch `json:"batch"`
	AssignedUnits []string               `json:"assigned_units"`
	Units         []assignedUnit         `json:"units"`
}

// assignedUnit is the per-unit region metadata served with an assignment.
type assignedUnit struct {
	ID            string           `json:"id"`
	Region        string           `json:"region"`
	Tier          model.MarketTier `json:"tier"`
	ExpectedYield int64            `json:"expected_yield"`

	// BBox is the unit's tile bounds as [min_lon, min_lat, max_lon,
	// max_lat], omitted when the catalog carries no geometry.
	BBox []float64 `json:"bbox,omitempty"`
}

// handleRequestAssignment serves the current epoch's batch to an
// authenticated submitter. The batch is built on first request and served
// from the store afterward, so retries within an epoch are idempotent.
func (s *Server) handleRequestAssignment(w http.ResponseWriter, r *http.Request) {
	submitterID, ok := s.authenticate(w, r, actionAssign)
	if !ok {
		return
	}
	if !s.submitters.allow(submitterID) {
		writeError(w, http.StatusTooManyRequests, errRateLimited, "slow down")
		return
	}

	ep := s.schedule.At(s.now().UTC())
	batch, err := s.scheduler.EnsureBatch(r.Context(), ep)
	if err != nil {
		zap.L().Error("api: ensure batch failed",
			zap.String("epoch", ep.ID),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, errNoCurrentEpoch, "assignment unavailable")
		return
	}

	assigned := assignedUnits(batch, submitterID)
	writeJSON(w, http.StatusOK, assignmentResponse{
		Batch:         batch,
		AssignedUnits: assigned,
		Units:         s.unitDetails(assigned),
	})
}

// unitDetails resolves assigned unit ids against the catalog. Units that
// left the catalog since the batch was built keep their id so the
// submitter can still report on them.
func (s *Server) unitDetails(ids []string) []assignedUnit {
	out := make([]assignedUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := s.catalog.Get(id)
		if !ok {
			out = append(out, assignedUnit{ID: id})
			continue
		}
		d := assignedUnit{
			ID:            u.ID,
			Region:        u.Region,
			Tier:          u.Tier,
			ExpectedYield: u.ExpectedYield,
		}
		if b, ok := catalog.Bounds(u); ok {
			d.BBox = []float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
		}
		out = append(out, d)
	}
	return out
}

// handleGetAssignment serves a historical batch to aggregator-class
// callers inside the retention window.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	epochID := chi.URLParam(r, "epochID")

	submitterID, ok := s.authenticate(w, r, actionFetch, epochID)
	if !ok {
		return
	}
	caller, found := s.registry.Get(submitterID)
	if !found || caller.Class != model.SubmitterClassAggregator {
		writeError(w, http.StatusForbidden, errForbidden, "aggregator class required")
		return
	}

	ep, err := s.schedule.ByID(epochID)
	if err != nil {
		writeError(w, http.StatusNotFound, errUnknownEpoch, "unrecognized epoch id")
		return
	}
	if !s.schedule.Retained(ep.Start, s.now().UTC()) {
		writeError(w, http.StatusGone, errEpochExpired, "epoch outside retention window")
		return
	}

	batch, err := s.store.GetBatch(r.Context(), epochID)
	if err != nil {
		zap.L().Error("api: get batch failed", zap.String("epoch", epochID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "")
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, errUnknownEpoch, "no batch for epoch")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleSubmit accepts a submission for the current epoch. Until the
// deadline a resubmission replaces the earlier one; after the deadline the
// submission is rejected and the unit's evaluation proceeds without it.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	submitterID, ok := s.authenticate(w, r, actionSubmit)
	if !ok {
		return
	}
	if !s.submitters.allow(submitterID) {
		writeError(w, http.StatusTooManyRequests, errRateLimited, "slow down")
		return
	}

	var sub model.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, "invalid submission body")
		return
	}
	if sub.EpochID == "" || sub.UnitID == "" || sub.RecordDigest == "" {
		writeError(w, http.StatusBadRequest, errBadRequest, "epoch_id, unit_id, and record_digest are required")
		return
	}
	// The identity on the wire is the authenticated one, whatever the body
	// says.
	sub.SubmitterID = submitterID

	batch, err := s.store.GetBatch(r.Context(), sub.EpochID)
	if err != nil {
		zap.L().Error("api: get batch failed", zap.String("epoch", sub.EpochID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "")
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, errUnknownEpoch, "no batch for epoch")
		return
	}

	token := r.Header.Get("X-Assignment-Token")
	if !hmac.Equal([]byte(token), []byte(batch.Token)) {
		writeError(w, http.StatusUnauthorized, errTokenMismatch, "assignment token does not match epoch")
		return
	}

	now := s.now().UTC()
	if now.After(batch.Deadline) {
		writeError(w, http.StatusConflict, errDeadlinePassed, "submission deadline has passed")
		return
	}

	if !contains(batch.ExpectedSubmitters(sub.UnitID), submitterID) {
		writeError(w, http.StatusForbidden, errNotAssigned, "submitter not assigned to unit")
		return
	}

	sub.ID = ""
	sub.SubmittedAt = now
	if err := s.store.UpsertSubmission(r.Context(), sub); err != nil {
		zap.L().Error("api: upsert submission failed",
			zap.String("epoch", sub.EpochID),
			zap.String("unit", sub.UnitID),
			zap.String("submitter", submitterID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, errInternal, "")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"epoch_id": sub.EpochID,
		"unit_id":  sub.UnitID,
	})
}

// handleStatus serves the public epoch snapshot behind a global rate
// ceiling. No authentication.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.statusLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errRateLimited, "status endpoint rate ceiling reached")
		return
	}

	ep := s.schedule.At(s.now().UTC())
	snap, err := s.collector.Collect(r.Context(), ep)
	if err != nil {
		zap.L().Error("api: status collection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func assignedUnits(batch *model.AssignmentBatch, submitterID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range batch.Groups {
		if !contains(g.SubmitterIDs, submitterID) {
			continue
		}
		for _, id := range g.UnitIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
