package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ssd-technologies/agora/internal/governance"
)

// proposalRequest is the body of a propose or amend call. Components is
// read for compound proposals; Domain, Keywords and Meaning for base ones.
type proposalRequest struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Proposer    string   `json:"proposer"`
	Components  []string `json:"components"`
	Domain      string   `json:"domain"`
	Keywords    []string `json:"keywords"`
	Meaning     string   `json:"meaning"`
}

func (req proposalRequest) payload() (governance.Payload, error) {
	t, err := governance.ParseType(req.Type)
	if err != nil {
		return nil, err
	}
	if t == governance.TypeBase {
		return governance.Base{Domain: req.Domain, Keywords: req.Keywords, Meaning: req.Meaning}, nil
	}
	return governance.Compound{Components: req.Components}, nil
}

type proposalResponse struct {
	Proposal  governance.Proposal `json:"proposal"`
	Remaining int                 `json:"remaining"`
}

type voteRequest struct {
	Agent string `json:"agent"`
}

type voteResponse struct {
	governance.VoteResult
	Remaining int `json:"remaining"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Proposer == "" {
		req.Proposer = agentName(r)
	}
	payload, err := req.payload()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, remaining, err := s.engine.Propose(r.Context(), req.Proposer, req.Name, req.Description, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResponse{Proposal: p, Remaining: remaining})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	var status governance.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		var err error
		if status, err = governance.ParseStatus(raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	ps := s.engine.ListProposals(r.Context(), status)
	if ps == nil {
		ps = []governance.Proposal{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResponse{Proposal: p, Remaining: s.engine.Remaining(p)})
}

func (s *Server) handleEndorse(w http.ResponseWriter, r *http.Request) {
	s.handleVote(w, r, s.engine.Endorse)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleVote(w, r, s.engine.Reject)
}

type voteFunc func(ctx context.Context, id, agent string) (governance.VoteResult, error)

// handleVote casts a vote for the agent named in the body or, failing
// that, the X-Agent-Name header. A repeated vote answers 200 with
// recorded=false.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, vote voteFunc) {
	var req voteRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if req.Agent == "" {
		req.Agent = agentName(r)
	}
	if req.Agent == "" {
		s.fail(w, r, fmt.Errorf("%w: agent is required", errBadRequest))
		return
	}
	res, err := vote(r.Context(), r.PathValue("id"), req.Agent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResponse{VoteResult: res, Remaining: s.engine.Remaining(res.Proposal)})
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Proposer == "" {
		req.Proposer = agentName(r)
	}
	payload, err := req.payload()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.engine.Amend(r.Context(), r.PathValue("id"), req.Proposer, req.Name, req.Description, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResponse{Proposal: p, Remaining: s.engine.Remaining(p)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.AuditLog(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []governance.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
