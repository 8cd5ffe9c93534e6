package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/evidence"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.o.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.ExperimentSpec
	if err := decode(r, &spec); err != nil {
		s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "decode experiment: %v", err))
		return
	}
	exp, err := s.o.CreateExperiment(r.Context(), spec)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.o.ResolveExperiment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	exp, err := s.o.ResolveExperiment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var opts orchestrator.StartOptions
	if r.ContentLength != 0 {
		if err := decode(r, &opts); err != nil {
			s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "decode run options: %v", err))
			return
		}
	}
	if opts.SampleCount == 0 {
		opts.SampleCount = 1
	}
	run, err := s.o.StartRun(r.Context(), exp.ID, opts)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		ExperimentID: q.Get("experiment_id"),
		Status:       model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "bad limit %q", v))
			return
		}
		filter.Limit = n
	}
	runs, err := s.o.Store().ListRuns(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) runSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.o.RunSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type desiredStateReq struct {
	DesiredState model.DesiredState `json:"desired_state"`
}

func (s *Server) setDesiredState(w http.ResponseWriter, r *http.Request) {
	var req desiredStateReq
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "decode state: %v", err))
		return
	}
	run, err := s.o.SetDesiredState(r.Context(), chi.URLParam(r, "id"), req.DesiredState)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type collectReq struct {
	Articles []model.Article `json:"articles"`
}

func (s *Server) collectEvidence(w http.ResponseWriter, r *http.Request) {
	var req collectReq
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "decode articles: %v", err))
		return
	}
	res, err := s.collector.Collect(r.Context(), chi.URLParam(r, "id"), req.Articles)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// searchEvidence pulls news for the window from the configured source.
// Optional ?limit= caps the number of hits requested.
func (s *Server) searchEvidence(w http.ResponseWriter, r *http.Request) {
	limit := evidence.DefaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErr(w, r, eris.Wrapf(orchestrator.ErrInvalid, "invalid limit %q", v))
			return
		}
		limit = n
	}
	res, err := s.collector.Search(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type schedulerResp struct {
	State *model.SchedulerState `json:"state"`
	Work  store.WorkCounts      `json:"work"`
}

func (s *Server) schedulerState(w http.ResponseWriter, r *http.Request) {
	st, err := s.o.Store().GetSchedulerState(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	work, err := s.o.Store().CountWork(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedulerResp{State: st, Work: work})
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	res, err := s.o.Tick(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ensureScheduler(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.o.EnsureScheduler(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"scheduled": scheduled})
}
