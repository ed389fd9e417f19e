package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pulz/internal/store"
	"pulz/internal/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleMissionStart(w http.ResponseWriter, r *http.Request) {
	var cfg types.MissionConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.engine.Start(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleMissionStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListQueue()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	var statuses []types.ProposalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, types.ProposalStatus(part))
			}
		}
	}
	proposals, err := s.store.ListProposalsByStatus(statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

type actorBody struct {
	ApprovedBy string `json:"approved_by"`
}

func (b actorBody) actor() string {
	if b.ApprovedBy == "" {
		return "operator"
	}
	return b.ApprovedBy
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.proposals.Approve(chi.URLParam(r, "id"), body.actor())
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{
		"status":      string(types.ProposalApproved),
		"artifact_id": res.Artifact.ID,
	}
	if res.ExecutionID != "" {
		out["execution_id"] = res.ExecutionID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.proposals.Reject(chi.URLParam(r, "id"), body.actor()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.ProposalCancelled)})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lane       string `json:"lane"`
		AllowRerun bool   `json:"allow_rerun"`
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	lane := types.Lane(body.Lane)
	if body.Lane == "" {
		lane = types.DefaultLane
	}
	actor := body.ApprovedBy
	if actor == "" {
		actor = "operator"
	}

	e, err := s.proposals.Execute(chi.URLParam(r, "id"), lane, body.AllowRerun, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       string(types.ExecQueued),
		"execution_id": e.ID,
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	executions, err := s.store.ListExecutions(store.ExecutionFilter{
		Status:    types.ExecutionStatus(q.Get("status")),
		Lane:      types.Lane(q.Get("lane")),
		MissionID: q.Get("mission_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.GetExecution(id)
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.store.ListArtifactsByExecution(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": e,
		"artifacts": artifacts,
	})
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.store.GetExecution(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(e.Status)})
}

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.rec.Summarize()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAuthorityGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMission(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authority_mode": string(m.AuthorityMode)})
}

func (s *Server) handleAuthoritySet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthorityMode types.AuthorityMode `json:"authority_mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.SetAuthority(id, body.AuthorityMode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authority_mode": string(body.AuthorityMode)})
}

const artifactListLimit = 50

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifacts(artifactListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetArtifact(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, a.Text)
	case "download":
		if a.Path == "" {
			writeError(w, fmt.Errorf("%w: artifact %s has no file", types.ErrNotFound, a.ID))
			return
		}
		w.Header().Set("Content-Disposition", "attachment")
		http.ServeFile(w, r, a.Path)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}
