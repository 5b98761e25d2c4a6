// Package governance runs the weighted voting process through which agents
// propose, amend, accept and reject vocabulary extensions.
package governance

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ssd-technologies/agora/internal/storage"
	"github.com/ssd-technologies/agora/internal/vocab"
)

var (
	ErrProposalNotFound     = errors.New("proposal not found")
	ErrUnknownComponent     = errors.New("unknown component glyph")
	ErrInvalidDomain        = errors.New("invalid domain")
	ErrAlreadyVotedOpposite = errors.New("already voted on the opposite side")
	ErrProposalNotPending   = errors.New("proposal is not pending")
	ErrNotProposer          = errors.New("only the proposer may amend")
	ErrInvalidProposal      = errors.New("invalid proposal")
	ErrInvalidStatus        = errors.New("invalid status")
)

// Status is a proposal's lifecycle state. Every status but pending is
// terminal.
type Status string

const (
	StatusPending    Status = storage.StatusPending
	StatusAccepted   Status = storage.StatusAccepted
	StatusRejected   Status = storage.StatusRejected
	StatusExpired    Status = storage.StatusExpired
	StatusSuperseded Status = storage.StatusSuperseded
)

// ParseStatus accepts a status name; "" means any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusPending, StatusAccepted, StatusRejected, StatusExpired, StatusSuperseded:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Side is the direction of a vote.
type Side string

const (
	Endorse Side = storage.SideEndorse
	Reject  Side = storage.SideReject
)

// Audit actions.
const (
	ActionCreated    = "created"
	ActionEndorse    = "endorse"
	ActionReject     = "reject"
	ActionAccepted   = "accepted"
	ActionRejected   = "rejected"
	ActionExpired    = "expired"
	ActionSuperseded = "superseded"
)

// Vote is one agent's vote. Its weight is fixed when cast.
type Vote struct {
	Agent  string    `json:"agent"`
	Weight int       `json:"weight"`
	CastAt time.Time `json:"cast_at"`
}

// Proposal is a request to add one vocabulary item.
type Proposal struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Name         string     `json:"name"`
	Payload      Payload    `json:"payload"`
	Description  string     `json:"description"`
	Proposer     string     `json:"proposer"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       Status     `json:"status"`
	Endorsers    []Vote     `json:"endorsers"`
	Rejectors    []Vote     `json:"rejectors"`
	Supersedes   string     `json:"supersedes,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	ItemID       string     `json:"item_id,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// EndorseWeight is the weighted sum of endorsements.
func (p *Proposal) EndorseWeight() int { return sum(p.Endorsers) }

// RejectWeight is the weighted sum of rejections.
func (p *Proposal) RejectWeight() int { return sum(p.Rejectors) }

func sum(votes []Vote) int {
	n := 0
	for _, v := range votes {
		n += v.Weight
	}
	return n
}

// sideOf reports which side agent voted on, if any.
func (p *Proposal) sideOf(agent string) (Side, bool) {
	if slices.ContainsFunc(p.Endorsers, func(v Vote) bool { return v.Agent == agent }) {
		return Endorse, true
	}
	if slices.ContainsFunc(p.Rejectors, func(v Vote) bool { return v.Agent == agent }) {
		return Reject, true
	}
	return "", false
}

func (p *Proposal) clone() Proposal {
	c := *p
	c.Endorsers = slices.Clone(p.Endorsers)
	c.Rejectors = slices.Clone(p.Rejectors)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	switch pl := p.Payload.(type) {
	case Compound:
		c.Payload = Compound{Components: slices.Clone(pl.Components)}
	case Base:
		pl.Keywords = slices.Clone(pl.Keywords)
		c.Payload = pl
	}
	return c
}

// UnmarshalJSON decodes the payload as Compound or Base according to the
// proposal type.
func (p *Proposal) UnmarshalJSON(data []byte) error {
	type plain Proposal
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Proposal(aux.plain)
	p.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	if p.Type == TypeBase {
		var b Base
		if err := json.Unmarshal(aux.Payload, &b); err != nil {
			return err
		}
		p.Payload = b
		return nil
	}
	var c Compound
	if err := json.Unmarshal(aux.Payload, &c); err != nil {
		return err
	}
	p.Payload = c
	return nil
}

// draft builds the vocabulary item an accepted proposal creates.
func (p *Proposal) draft(now time.Time) vocab.Item {
	it := vocab.Item{
		Kind:        vocab.Kind(p.Type),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   now,
	}
	switch pl := p.Payload.(type) {
	case Compound:
		it.Components = slices.Clone(pl.Components)
	case Base:
		it.Domain = pl.Domain
		it.Keywords = slices.Clone(pl.Keywords)
		it.Meaning = pl.Meaning
	}
	return it
}

// AuditEntry is one step in a proposal's history.
type AuditEntry struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func audit(proposalID, action, actor, detail string, at time.Time) storage.AuditEntry {
	return storage.AuditEntry{
		ProposalID: proposalID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  at.UnixMilli(),
	}
}

func toRow(p *Proposal) *storage.Proposal {
	row := &storage.Proposal{
		ID:           p.ID,
		Type:         string(p.Type),
		Name:         p.Name,
		Description:  p.Description,
		Proposer:     p.Proposer,
		CreatedAt:    p.CreatedAt.UnixMilli(),
		ExpiresAt:    p.ExpiresAt.UnixMilli(),
		Status:       string(p.Status),
		Supersedes:   p.Supersedes,
		SupersededBy: p.SupersededBy,
		ItemID:       p.ItemID,
	}
	if p.ResolvedAt != nil {
		row.ResolvedAt = p.ResolvedAt.UnixMilli()
	}
	switch pl := p.Payload.(type) {
	case Compound:
		row.Components = pl.Components
	case Base:
		row.Domain = pl.Domain
		row.Keywords = pl.Keywords
		row.Meaning = pl.Meaning
	}
	for _, v := range p.Endorsers {
		row.Votes = append(row.Votes, voteRow(p.ID, Endorse, v))
	}
	for _, v := range p.Rejectors {
		row.Votes = append(row.Votes, voteRow(p.ID, Reject, v))
	}
	return row
}

func voteRow(proposalID string, side Side, v Vote) storage.Vote {
	return storage.Vote{
		ProposalID: proposalID,
		Agent:      v.Agent,
		Side:       string(side),
		Weight:     v.Weight,
		CastAt:     v.CastAt.UnixMilli(),
	}
}

func fromRow(row *storage.Proposal) *Proposal {
	p := &Proposal{
		ID:           row.ID,
		Type:         Type(row.Type),
		Name:         row.Name,
		Description:  row.Description,
		Proposer:     row.Proposer,
		CreatedAt:    time.UnixMilli(row.CreatedAt),
		ExpiresAt:    time.UnixMilli(row.ExpiresAt),
		Status:       Status(row.Status),
		Supersedes:   row.Supersedes,
		SupersededBy: row.SupersededBy,
		ItemID:       row.ItemID,
		Endorsers:    []Vote{},
		Rejectors:    []Vote{},
	}
	if row.ResolvedAt != 0 {
		t := time.UnixMilli(row.ResolvedAt)
		p.ResolvedAt = &t
	}
	if p.Type == TypeBase {
		p.Payload = Base{Domain: row.Domain, Keywords: row.Keywords, Meaning: row.Meaning}
	} else {
		p.Payload = Compound{Components: row.Components}
	}
	for _, v := range row.Votes {
		vote := Vote{Agent: v.Agent, Weight: v.Weight, CastAt: time.UnixMilli(v.CastAt)}
		if Side(v.Side) == Reject {
			p.Rejectors = append(p.Rejectors, vote)
		} else {
			p.Endorsers = append(p.Endorsers, vote)
		}
	}
	return p
}
