package knowledge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/ssd-technologies/agora/internal/glyph"
)

// Query errors.
var (
	ErrEmptyQuery   = errors.New("empty query")
	ErrInvalidQuery = errors.New("invalid query")
)

// Matcher tests candidate strings against a search term, ignoring case.
// Terms containing glob metacharacters match whole candidates; other terms
// match any candidate that contains them.
type Matcher struct {
	term string
	g    glob.Glob
}

// NewMatcher compiles term.
func NewMatcher(term string) (*Matcher, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, ErrEmptyQuery
	}
	m := &Matcher{term: term}
	if strings.ContainsAny(term, "*?[") {
		g, err := glob.Compile(term)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidQuery, term, err)
		}
		m.g = g
	}
	return m, nil
}

// Match reports whether any candidate matches.
func (m *Matcher) Match(candidates ...string) bool {
	for _, c := range candidates {
		c = strings.ToLower(c)
		if m.g != nil {
			if m.g.Match(c) {
				return true
			}
			continue
		}
		if strings.Contains(c, m.term) {
			return true
		}
	}
	return false
}

// SearchResult groups ledger matches by kind.
type SearchResult struct {
	Glyphs    []GlyphStat       `json:"glyphs"`
	Agents    []AgentStat       `json:"agents"`
	Sequences []SequencePattern `json:"sequences"`
}

// Search returns the glyphs, agents and sequence patterns that match. A
// glyph matches on its ID or, for base glyphs, its name and meaning.
func (l *Ledger) Search(m *Matcher) SearchResult {
	res := SearchResult{
		Glyphs:    []GlyphStat{},
		Agents:    []AgentStat{},
		Sequences: []SequencePattern{},
	}
	for _, g := range l.GlyphStats() {
		cands := []string{g.GlyphID}
		if b, ok := glyph.Lookup(g.GlyphID); ok {
			cands = append(cands, b.Name, b.Meaning)
		}
		if m.Match(cands...) {
			res.Glyphs = append(res.Glyphs, g)
		}
	}
	for _, a := range l.Agents() {
		if m.Match(a.Name) {
			res.Agents = append(res.Agents, a)
		}
	}
	for _, p := range l.seq.Patterns() {
		if m.Match(p.Key) {
			res.Sequences = append(res.Sequences, p)
		}
	}
	return res
}
