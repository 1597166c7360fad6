package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

const healthTimeout = 5 * time.Second

type breakerState struct {
	Stage string `json:"stage"`
	State string `json:"state"`
}

func (s *Server) breakerList() []breakerState {
	if s.deps.Breakers == nil {
		return []breakerState{}
	}
	states := s.deps.Breakers.States()
	out := make([]breakerState, 0, len(states))
	for name, st := range states {
		out = append(out, breakerState{Stage: name, State: st.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{"store": "ok", "gateway": "ok"}
	status := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.Health(ctx); err != nil {
			checks["gateway"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":   overall,
		"checks":   checks,
		"breakers": s.breakerList(),
	})
}

func (s *Server) processLead(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var opts []pipeline.RunOption
	if rerun, _ := strconv.ParseBool(r.URL.Query().Get("rerun")); rerun {
		opts = append(opts, pipeline.WithRerun())
	}

	out, err := s.deps.Coordinator.ProcessLead(r.Context(), leadID, opts...)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	agg, err := s.deps.Store.GetLead(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

func (s *Server) listLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil {
		s.respondError(w, err)
		return
	}

	filter := store.LeadFilter{Limit: limit}
	if raw := q.Get("stage"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := model.Stage(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				s.respondError(w, resilience.NewValidationError(eris.Errorf("api: unknown stage %q", part)))
				return
			}
			filter.Stages = append(filter.Stages, st)
		}
	}

	leads, err := s.deps.Store.ListLeads(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if leads == nil {
		leads = []model.LeadAggregate{}
	}
	respondJSON(w, http.StatusOK, leads)
}

func (s *Server) leadInteractions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.respondError(w, err)
		return
	}
	recs, err := s.deps.Store.InteractionsByLead(r.Context(), chi.URLParam(r, "leadID"), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if recs == nil {
		recs = []model.InteractionRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) listRetries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil {
		s.respondError(w, err)
		return
	}
	filter := store.RetryFilter{LeadID: q.Get("lead_id"), Limit: limit}
	if raw := q.Get("dead_letter"); raw != "" {
		dead, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, resilience.NewValidationError(eris.Errorf("api: invalid dead_letter %q", raw)))
			return
		}
		filter.DeadLetter = &dead
	}

	entries, err := s.deps.Retries.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if entries == nil {
		entries = []model.RetryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Retries.Requeue(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, resilience.NewValidationError(eris.Errorf("api: invalid window %q", raw)))
			return
		}
		window = d
	}

	rep, err := s.deps.Tracker.Metrics(r.Context(), window)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) breakerStates(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.breakerList())
}

func (s *Server) resetBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers != nil {
		s.deps.Breakers.ResetAll()
		s.log.Info("breakers reset by operator")
	}
	respondJSON(w, http.StatusOK, s.breakerList())
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, resilience.NewValidationError(eris.Errorf("api: invalid limit %q", raw))
	}
	return n, nil
}
