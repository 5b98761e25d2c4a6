package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ssd-technologies/agora/internal/knowledge"
)

type recordMessageRequest struct {
	GlyphID     string            `json:"glyph_id"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	Payload     map[string]string `json:"payload"`
	Blob        []byte            `json:"blob"`
	Timestamp   *time.Time        `json:"timestamp"`
	ContentHash string            `json:"content_hash"`
	// Attest anchors the content hash on the attestation ledger.
	Attest bool `json:"attest"`
}

type sequenceHit struct {
	Key    string    `json:"key"`
	Agents []string  `json:"agents"`
	At     time.Time `json:"at"`
}

type recordMessageResponse struct {
	Recorded  bool              `json:"recorded"`
	Message   knowledge.Message `json:"message"`
	Sequences []sequenceHit     `json:"sequences"`
}

func (s *Server) handleRecordMessage(w http.ResponseWriter, r *http.Request) {
	var req recordMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = agentName(r)
	}
	msg := knowledge.Message{
		GlyphID:     req.GlyphID,
		Sender:      req.Sender,
		Recipient:   req.Recipient,
		Payload:     req.Payload,
		Blob:        req.Blob,
		ContentHash: req.ContentHash,
	}
	if req.Timestamp != nil {
		msg.Timestamp = *req.Timestamp
	}

	rec, err := s.engine.RecordMessage(r.Context(), msg, req.Attest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := recordMessageResponse{
		Recorded:  !rec.Duplicate,
		Message:   rec.Message,
		Sequences: make([]sequenceHit, 0, len(rec.Sequences)),
	}
	for _, o := range rec.Sequences {
		resp.Sequences = append(resp.Sequences, sequenceHit{Key: o.Key, Agents: o.Agents, At: o.At})
	}
	status := http.StatusCreated
	if rec.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	before, err := intParam(r, "before", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.engine.Timeline(r.Context(), min(int(limit), 500), before)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []knowledge.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.GetMessage(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.VerifyMessage(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
