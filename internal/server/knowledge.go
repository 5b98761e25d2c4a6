package server

import (
	"fmt"
	"net/http"

	"github.com/ssd-technologies/agora/internal/knowledge"
	"github.com/ssd-technologies/agora/internal/vocab"
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Query(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.engine.GetAgents()
	if agents == nil {
		agents = []knowledge.AgentStat{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	a, ok := s.engine.GetAgent(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q has no messages", name))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGlyphs(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetGlyphStats()
	if stats == nil {
		stats = []knowledge.GlyphStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGlyph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, ok := s.engine.GetGlyph(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("glyph %q has not been used", id))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSequences(w http.ResponseWriter, r *http.Request) {
	seqs := s.engine.GetSequences()
	if seqs == nil {
		seqs = []knowledge.SequencePattern{}
	}
	writeJSON(w, http.StatusOK, seqs)
}

// handleSuggestions lists frequent sequences that could become compounds.
// min_count and min_agents override the configured thresholds.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	minCount, err := intParam(r, "min_count", s.suggestMinCount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	minAgents, err := intParam(r, "min_agents", int64(s.suggestMinAgents))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seqs := s.engine.Suggestions(minCount, int(minAgents))
	if seqs == nil {
		seqs = []knowledge.SequencePattern{}
	}
	writeJSON(w, http.StatusOK, seqs)
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	items := s.engine.GetVocabularyExtensions()
	if items == nil {
		items = []vocab.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}
