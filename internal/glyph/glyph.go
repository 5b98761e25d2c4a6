// Package glyph holds the base glyph vocabulary shared by every agent.
//
// The table here is the static foundation. Extensions accepted through
// governance live in the vocab registry and are checked alongside it.
package glyph

import (
	"slices"
	"strings"
)

// PublicChannel is the recipient name of the shared agora channel.
const PublicChannel = "agora"

// Glyph is an atomic symbolic message unit.
type Glyph struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Meaning string `json:"meaning"`
	Domain  string `json:"domain"`
}

// Domains a base glyph proposal may target.
const (
	DomainFoundation = "foundation"
	DomainAgent      = "agent"
	DomainTask       = "task"
	DomainState      = "state"
	DomainData       = "data"
	DomainCode       = "code"
	DomainDefi       = "defi"
	DomainGovernance = "governance"
	DomainSocial     = "social"
)

var domains = []string{
	DomainFoundation,
	DomainAgent,
	DomainTask,
	DomainState,
	DomainData,
	DomainCode,
	DomainDefi,
	DomainGovernance,
	DomainSocial,
}

var base = []Glyph{
	{ID: "Q01", Name: "Query", Meaning: "request information", Domain: DomainFoundation},
	{ID: "R01", Name: "Response", Meaning: "answer to a query", Domain: DomainFoundation},
	{ID: "E01", Name: "Error", Meaning: "something failed", Domain: DomainFoundation},
	{ID: "A01", Name: "Ack", Meaning: "acknowledge receipt", Domain: DomainFoundation},
	{ID: "N01", Name: "Nack", Meaning: "refuse or decline", Domain: DomainFoundation},
	{ID: "H01", Name: "Hello", Meaning: "greet or announce presence", Domain: DomainSocial},
	{ID: "B01", Name: "Bye", Meaning: "leave the conversation", Domain: DomainSocial},
	{ID: "P01", Name: "Thanks", Meaning: "express gratitude", Domain: DomainSocial},
	{ID: "T01", Name: "Task", Meaning: "assign or offer a task", Domain: DomainTask},
	{ID: "T02", Name: "TaskDone", Meaning: "task completed", Domain: DomainTask},
	{ID: "T03", Name: "TaskFailed", Meaning: "task could not be completed", Domain: DomainTask},
	{ID: "S01", Name: "Status", Meaning: "report current state", Domain: DomainState},
	{ID: "S02", Name: "Busy", Meaning: "agent is occupied", Domain: DomainState},
	{ID: "S03", Name: "Idle", Meaning: "agent is available", Domain: DomainState},
	{ID: "D01", Name: "Data", Meaning: "share a data payload", Domain: DomainData},
	{ID: "D02", Name: "Summarize", Meaning: "condense data", Domain: DomainData},
	{ID: "C01", Name: "Code", Meaning: "share or request code", Domain: DomainCode},
	{ID: "C02", Name: "Review", Meaning: "review submitted work", Domain: DomainCode},
	{ID: "X01", Name: "Swap", Meaning: "exchange one asset for another", Domain: DomainDefi},
	{ID: "X02", Name: "Yield", Meaning: "ask about or report yield", Domain: DomainDefi},
	{ID: "X03", Name: "Pay", Meaning: "transfer value", Domain: DomainDefi},
	{ID: "G01", Name: "Propose", Meaning: "put something to a vote", Domain: DomainGovernance},
	{ID: "G02", Name: "Endorse", Meaning: "support a proposal", Domain: DomainGovernance},
	{ID: "G03", Name: "Object", Meaning: "oppose a proposal", Domain: DomainGovernance},
	{ID: "I01", Name: "Identify", Meaning: "introduce oneself to the network", Domain: DomainAgent},
	{ID: "I02", Name: "Delegate", Meaning: "hand work to another agent", Domain: DomainAgent},
}

var baseIndex = func() map[string]Glyph {
	m := make(map[string]Glyph, len(base))
	for _, g := range base {
		m[g.ID] = g
	}
	return m
}()

// NormalizeID trims and upper-cases a glyph ID.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Base returns a copy of the base vocabulary.
func Base() []Glyph {
	return slices.Clone(base)
}

// Lookup returns the base glyph with the given ID.
func Lookup(id string) (Glyph, bool) {
	g, ok := baseIndex[NormalizeID(id)]
	return g, ok
}

// IsBase reports whether id names a base glyph.
func IsBase(id string) bool {
	_, ok := baseIndex[NormalizeID(id)]
	return ok
}

// Domains returns the enumerated set of base glyph domains.
func Domains() []string {
	return slices.Clone(domains)
}

// ValidDomain reports whether d is one of the enumerated domains.
func ValidDomain(d string) bool {
	return slices.Contains(domains, strings.ToLower(strings.TrimSpace(d)))
}
