package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/glyph"
	"github.com/ssd-technologies/agora/internal/identity"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/storage"
	"github.com/ssd-technologies/agora/internal/vocab"
)

// Rules are the voting thresholds and proposal lifetimes.
type Rules struct {
	CompoundThreshold int
	BaseThreshold     int
	RejectThreshold   int
	CompoundExpiry    time.Duration
	BaseExpiry        time.Duration
}

// DefaultRules returns the network defaults.
func DefaultRules() Rules {
	return Rules{
		CompoundThreshold: 3,
		BaseThreshold:     5,
		RejectThreshold:   3,
		CompoundExpiry:    7 * 24 * time.Hour,
		BaseExpiry:        14 * 24 * time.Hour,
	}
}

// EndorseThreshold returns the weighted endorsements needed to accept t.
func (r Rules) EndorseThreshold(t Type) int {
	if t == TypeBase {
		return r.BaseThreshold
	}
	return r.CompoundThreshold
}

// Expiry returns how long a proposal of type t stays open.
func (r Rules) Expiry(t Type) time.Duration {
	if t == TypeBase {
		return r.BaseExpiry
	}
	return r.CompoundExpiry
}

// Store is the persistence the Service needs.
type Store interface {
	NextProposalID(ctx context.Context) (string, error)
	CreateProposal(ctx context.Context, p *storage.Proposal, audit []storage.AuditEntry) error
	AddVote(ctx context.Context, v storage.Vote, audit storage.AuditEntry) error
	ResolveProposal(ctx context.Context, id, status string, resolvedAt int64, audit storage.AuditEntry) (bool, error)
	SupersedeProposal(ctx context.Context, oldID string, next *storage.Proposal, resolvedAt int64, audit []storage.AuditEntry) (bool, error)
	GetProposal(ctx context.Context, id string) (*storage.Proposal, error)
	ListProposals(ctx context.Context, status string) ([]storage.Proposal, error)
	ListAudit(ctx context.Context, proposalID string) ([]storage.AuditEntry, error)
}

// Vocabulary is the extension registry acceptance writes to.
type Vocabulary interface {
	Known(id string) bool
	Accept(ctx context.Context, proposalID string, draft vocab.Item, audit storage.AuditEntry) (vocab.Item, bool, error)
}

// Event describes a state change, delivered to the Notify hook.
type Event struct {
	Action   string      `json:"action"`
	Actor    string      `json:"actor"`
	Proposal Proposal    `json:"proposal"`
	Item     *vocab.Item `json:"item,omitempty"`
}

// Options configure a Service.
type Options struct {
	Rules    Rules
	Identity identity.Provider
	Logger   *zap.Logger
	// Notify receives events after the proposal lock is released. It must
	// not block.
	Notify func(Event)
}

// VoteResult is the outcome of Endorse or Reject.
type VoteResult struct {
	Proposal Proposal    `json:"proposal"`
	Recorded bool        `json:"recorded"`
	Item     *vocab.Item `json:"item,omitempty"`
}

type record struct {
	mu sync.Mutex
	p  *Proposal
}

// Service owns the proposal set. Each proposal is serialized by its own
// mutex; operations on different proposals never contend.
type Service struct {
	store  Store
	vocab  Vocabulary
	rules  Rules
	ident  identity.Provider
	log    *zap.Logger
	notify func(Event)
	now    func() time.Time

	mu        sync.RWMutex
	proposals map[string]*record

	pending  atomic.Int64
	accepted atomic.Int64
}

// New creates a Service. Call Load to restore persisted proposals.
func New(store Store, v Vocabulary, opts Options) *Service {
	if opts.Rules == (Rules{}) {
		opts.Rules = DefaultRules()
	}
	if opts.Identity == nil {
		opts.Identity = identity.Static(nil)
	}
	if opts.Notify == nil {
		opts.Notify = func(Event) {}
	}
	return &Service{
		store:     store,
		vocab:     v,
		rules:     opts.Rules,
		ident:     opts.Identity,
		log:       logging.OrNop(opts.Logger).Named("governance"),
		notify:    opts.Notify,
		now:       time.Now,
		proposals: make(map[string]*record),
	}
}

// Rules returns the active rules.
func (s *Service) Rules() Rules { return s.rules }

// Load replaces the in-memory proposal set with the persisted one.
func (s *Service) Load(ctx context.Context) error {
	rows, err := s.store.ListProposals(ctx, "")
	if err != nil {
		return fmt.Errorf("load proposals: %w", err)
	}
	m := make(map[string]*record, len(rows))
	var pending, accepted int64
	for i := range rows {
		p := fromRow(&rows[i])
		m[p.ID] = &record{p: p}
		switch p.Status {
		case StatusPending:
			pending++
		case StatusAccepted:
			accepted++
		}
	}
	s.mu.Lock()
	s.proposals = m
	s.mu.Unlock()
	s.pending.Store(pending)
	s.accepted.Store(accepted)
	return nil
}

// Counts returns the number of pending and accepted proposals.
func (s *Service) Counts() (pending, accepted int64) {
	return s.pending.Load(), s.accepted.Load()
}

func (s *Service) known(id string) bool {
	return glyph.IsBase(id) || (s.vocab != nil && s.vocab.Known(id))
}

func (s *Service) weight(ctx context.Context, agent string) int {
	t, err := s.ident.Tier(ctx, agent)
	if err != nil {
		s.log.Warn("identity lookup failed, using unverified weight", zap.String("agent", agent), zap.Error(err))
		return identity.TierUnverified.Weight()
	}
	return t.Weight()
}

// Propose opens a new proposal. The proposer endorses it automatically with
// their current weight. It returns the proposal and the endorsement weight
// still needed for acceptance.
func (s *Service) Propose(ctx context.Context, proposer, name, description string, payload Payload) (Proposal, int, error) {
	p, err := s.build(ctx, proposer, name, description, payload)
	if err != nil {
		return Proposal{}, 0, err
	}
	row := toRow(p)
	err = s.store.CreateProposal(ctx, row, []storage.AuditEntry{
		audit(p.ID, ActionCreated, proposer, string(p.Type)+" "+p.Name, p.CreatedAt),
		audit(p.ID, ActionEndorse, proposer, fmt.Sprintf("weight %d", p.Endorsers[0].Weight), p.CreatedAt),
	})
	if err != nil {
		return Proposal{}, 0, fmt.Errorf("propose: %w", err)
	}
	rec := &record{p: p}
	rec.mu.Lock()
	s.mu.Lock()
	s.proposals[p.ID] = rec
	s.mu.Unlock()
	s.pending.Add(1)
	events := []Event{{Action: ActionCreated, Actor: proposer, Proposal: p.clone()}}
	if ev := s.admitLocked(ctx, rec); ev != nil {
		events = append(events, *ev)
	}
	out := rec.p.clone()
	rec.mu.Unlock()

	s.log.Info("proposal created",
		zap.String("proposal", p.ID),
		zap.String("type", string(p.Type)),
		zap.String("name", p.Name),
		zap.String("proposer", proposer))
	for _, e := range events {
		s.notify(e)
	}
	return out, s.remaining(&out), nil
}

// admitLocked accepts a new proposal whose proposer alone meets the
// endorsement threshold. A failure leaves it pending; the next endorsement
// or expiry check settles it again.
func (s *Service) admitLocked(ctx context.Context, rec *record) *Event {
	ev, err := s.settleLocked(ctx, rec, Endorse, rec.p.Proposer)
	if err != nil {
		s.log.Warn("accept on creation failed", zap.String("proposal", rec.p.ID), zap.Error(err))
		return nil
	}
	return ev
}

// build validates input and assembles a pending proposal with a fresh ID.
func (s *Service) build(ctx context.Context, proposer, name, description string, payload Payload) (*Proposal, error) {
	proposer = strings.TrimSpace(proposer)
	name = strings.TrimSpace(name)
	if proposer == "" {
		return nil, fmt.Errorf("%w: proposer is required", ErrInvalidProposal)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProposal)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidProposal)
	}
	payload, err := payload.check(s.known)
	if err != nil {
		return nil, err
	}
	weight := s.weight(ctx, proposer)
	id, err := s.store.NextProposalID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate proposal id: %w", err)
	}
	now := s.now()
	return &Proposal{
		ID:          id,
		Type:        payload.Type(),
		Name:        name,
		Payload:     payload,
		Description: strings.TrimSpace(description),
		Proposer:    proposer,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.rules.Expiry(payload.Type())),
		Status:      StatusPending,
		Endorsers:   []Vote{{Agent: proposer, Weight: weight, CastAt: now}},
		Rejectors:   []Vote{},
	}, nil
}

func (s *Service) remaining(p *Proposal) int {
	return max(0, s.rules.EndorseThreshold(p.Type)-p.EndorseWeight())
}

func normID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (s *Service) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.proposals[normID(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrProposalNotFound)
	}
	return rec, nil
}

// Endorse records agent's endorsement of proposal id.
func (s *Service) Endorse(ctx context.Context, id, agent string) (VoteResult, error) {
	return s.vote(ctx, id, agent, Endorse)
}

// Reject records agent's rejection of proposal id.
func (s *Service) Reject(ctx context.Context, id, agent string) (VoteResult, error) {
	return s.vote(ctx, id, agent, Reject)
}

// vote casts one vote. Voting again on the same side, or on a proposal that
// is no longer pending, is a no-op. Voting on the other side is an error,
// even after the proposal closed.
func (s *Service) vote(ctx context.Context, id, agent string, side Side) (VoteResult, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return VoteResult{}, fmt.Errorf("%w: agent is required", ErrInvalidProposal)
	}
	rec, err := s.lookup(id)
	if err != nil {
		return VoteResult{}, err
	}

	var events []Event
	rec.mu.Lock()
	defer func() {
		rec.mu.Unlock()
		for _, e := range events {
			s.notify(e)
		}
	}()

	if ev, ok := s.expireLocked(ctx, rec); ok {
		events = append(events, ev)
	}
	p := rec.p

	prev, voted := p.sideOf(agent)
	if voted && prev != side {
		return VoteResult{Proposal: p.clone()}, fmt.Errorf("%s on %s: %w", agent, p.ID, ErrAlreadyVotedOpposite)
	}
	if p.Status != StatusPending {
		return VoteResult{Proposal: p.clone()}, nil
	}

	res := VoteResult{}
	if !voted {
		now := s.now()
		v := Vote{Agent: agent, Weight: s.weight(ctx, agent), CastAt: now}
		action := ActionEndorse
		if side == Reject {
			action = ActionReject
		}
		err := s.store.AddVote(ctx, voteRow(p.ID, side, v),
			audit(p.ID, action, agent, fmt.Sprintf("weight %d", v.Weight), now))
		if err != nil {
			return VoteResult{Proposal: p.clone()}, fmt.Errorf("%s %s: %w", action, p.ID, err)
		}
		if side == Endorse {
			p.Endorsers = append(p.Endorsers, v)
		} else {
			p.Rejectors = append(p.Rejectors, v)
		}
		res.Recorded = true
		events = append(events, Event{Action: action, Actor: agent, Proposal: p.clone()})
	}

	// Settle even on a repeated vote so a transition that failed to persist
	// earlier is retried.
	ev, err := s.settleLocked(ctx, rec, side, agent)
	if ev != nil {
		events = append(events, *ev)
		res.Item = ev.Item
	}
	res.Proposal = rec.p.clone()
	return res, err
}

// settleLocked applies the threshold for side. Acceptance only follows an
// endorsement and rejection only follows a rejection.
func (s *Service) settleLocked(ctx context.Context, rec *record, side Side, actor string) (*Event, error) {
	p := rec.p
	if p.Status != StatusPending {
		return nil, nil
	}
	now := s.now()
	switch side {
	case Endorse:
		if p.EndorseWeight() < s.rules.EndorseThreshold(p.Type) {
			return nil, nil
		}
		detail := fmt.Sprintf("endorse weight %d", p.EndorseWeight())
		item, ok, err := s.vocab.Accept(ctx, p.ID, p.draft(now), audit(p.ID, ActionAccepted, actor, detail, now))
		if err != nil {
			return nil, fmt.Errorf("accept %s: %w", p.ID, err)
		}
		if !ok {
			return nil, s.refreshLocked(ctx, rec)
		}
		p.Status = StatusAccepted
		p.ItemID = item.ID
		p.ResolvedAt = &now
		s.pending.Add(-1)
		s.accepted.Add(1)
		s.log.Info("proposal accepted",
			zap.String("proposal", p.ID),
			zap.String("item", item.ID),
			zap.Int("weight", p.EndorseWeight()))
		return &Event{Action: ActionAccepted, Actor: actor, Proposal: p.clone(), Item: &item}, nil
	case Reject:
		if p.RejectWeight() < s.rules.RejectThreshold {
			return nil, nil
		}
		detail := fmt.Sprintf("reject weight %d", p.RejectWeight())
		ok, err := s.store.ResolveProposal(ctx, p.ID, string(StatusRejected), now.UnixMilli(),
			audit(p.ID, ActionRejected, actor, detail, now))
		if err != nil {
			return nil, fmt.Errorf("reject %s: %w", p.ID, err)
		}
		if !ok {
			return nil, s.refreshLocked(ctx, rec)
		}
		p.Status = StatusRejected
		p.ResolvedAt = &now
		s.pending.Add(-1)
		s.log.Info("proposal rejected", zap.String("proposal", p.ID), zap.Int("weight", p.RejectWeight()))
		return &Event{Action: ActionRejected, Actor: actor, Proposal: p.clone()}, nil
	}
	return nil, nil
}

// refreshLocked reloads a proposal whose stored status moved without this
// process noticing.
func (s *Service) refreshLocked(ctx context.Context, rec *record) error {
	row, err := s.store.GetProposal(ctx, rec.p.ID)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", rec.p.ID, err)
	}
	was := rec.p.Status
	rec.p = fromRow(row)
	if was == StatusPending && rec.p.Status != StatusPending {
		s.pending.Add(-1)
		if rec.p.Status == StatusAccepted {
			s.accepted.Add(1)
		}
	}
	s.log.Warn("proposal changed underneath", zap.String("proposal", rec.p.ID), zap.String("status", string(rec.p.Status)))
	return nil
}

// expireLocked closes a pending proposal past its deadline. One whose
// endorsements already reach the threshold is accepted instead of expired.
func (s *Service) expireLocked(ctx context.Context, rec *record) (Event, bool) {
	now := s.now()
	if rec.p.Status != StatusPending || !now.After(rec.p.ExpiresAt) {
		return Event{}, false
	}
	if rec.p.EndorseWeight() >= s.rules.EndorseThreshold(rec.p.Type) {
		ev, err := s.settleLocked(ctx, rec, Endorse, "system")
		if err != nil {
			s.log.Error("accept overdue proposal failed", zap.String("proposal", rec.p.ID), zap.Error(err))
			return Event{}, false
		}
		if ev != nil {
			return *ev, true
		}
		if rec.p.Status != StatusPending {
			return Event{}, false
		}
	}
	p := rec.p
	ok, err := s.store.ResolveProposal(ctx, p.ID, string(StatusExpired), now.UnixMilli(),
		audit(p.ID, ActionExpired, "system", "", now))
	if err != nil {
		s.log.Error("expire proposal failed", zap.String("proposal", p.ID), zap.Error(err))
		return Event{}, false
	}
	if !ok {
		if err := s.refreshLocked(ctx, rec); err != nil {
			s.log.Error("expire proposal failed", zap.String("proposal", p.ID), zap.Error(err))
		}
		return Event{}, false
	}
	p.Status = StatusExpired
	p.ResolvedAt = &now
	s.pending.Add(-1)
	s.log.Info("proposal expired", zap.String("proposal", p.ID))
	return Event{Action: ActionExpired, Actor: "system", Proposal: p.clone()}, true
}

// Amend replaces a pending proposal with a new one carrying payload. Only
// the original proposer may amend. The new proposal starts with fresh votes
// and the original becomes superseded. An empty name or description keeps
// the original's.
func (s *Service) Amend(ctx context.Context, id, proposer, name, description string, payload Payload) (Proposal, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Proposal{}, err
	}

	var events []Event
	rec.mu.Lock()
	defer func() {
		rec.mu.Unlock()
		for _, e := range events {
			s.notify(e)
		}
	}()

	if ev, ok := s.expireLocked(ctx, rec); ok {
		events = append(events, ev)
	}
	old := rec.p
	if strings.TrimSpace(proposer) != old.Proposer {
		return Proposal{}, fmt.Errorf("amend %s: %w", old.ID, ErrNotProposer)
	}
	if old.Status != StatusPending {
		return Proposal{}, fmt.Errorf("amend %s (%s): %w", old.ID, old.Status, ErrProposalNotPending)
	}
	if strings.TrimSpace(name) == "" {
		name = old.Name
	}
	if strings.TrimSpace(description) == "" {
		description = old.Description
	}

	next, err := s.build(ctx, old.Proposer, name, description, payload)
	if err != nil {
		return Proposal{}, err
	}
	next.Supersedes = old.ID
	now := next.CreatedAt
	ok, err := s.store.SupersedeProposal(ctx, old.ID, toRow(next), now.UnixMilli(), []storage.AuditEntry{
		audit(old.ID, ActionSuperseded, old.Proposer, "by "+next.ID, now),
		audit(next.ID, ActionCreated, old.Proposer, "amends "+old.ID, now),
		audit(next.ID, ActionEndorse, old.Proposer, fmt.Sprintf("weight %d", next.Endorsers[0].Weight), now),
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("amend %s: %w", old.ID, err)
	}
	if !ok {
		if err := s.refreshLocked(ctx, rec); err != nil {
			return Proposal{}, err
		}
		return Proposal{}, fmt.Errorf("amend %s: %w", old.ID, ErrProposalNotPending)
	}
	old.Status = StatusSuperseded
	old.SupersededBy = next.ID
	old.ResolvedAt = &now

	nrec := &record{p: next}
	nrec.mu.Lock()
	defer nrec.mu.Unlock()
	s.mu.Lock()
	s.proposals[next.ID] = nrec
	s.mu.Unlock()

	s.log.Info("proposal amended", zap.String("proposal", old.ID), zap.String("next", next.ID))
	events = append(events,
		Event{Action: ActionSuperseded, Actor: old.Proposer, Proposal: old.clone()},
		Event{Action: ActionCreated, Actor: old.Proposer, Proposal: next.clone()})
	if ev := s.admitLocked(ctx, nrec); ev != nil {
		events = append(events, *ev)
	}
	return nrec.p.clone(), nil
}

// SweepExpired expires every pending proposal past its deadline and
// returns their IDs.
func (s *Service) SweepExpired(ctx context.Context) []string {
	var expired []string
	for _, rec := range s.records() {
		rec.mu.Lock()
		ev, ok := s.expireLocked(ctx, rec)
		rec.mu.Unlock()
		if !ok {
			continue
		}
		if ev.Action == ActionExpired {
			expired = append(expired, ev.Proposal.ID)
		}
		s.notify(ev)
	}
	return expired
}

func (s *Service) records() []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record, 0, len(s.proposals))
	for _, rec := range s.proposals {
		out = append(out, rec)
	}
	return out
}

// snapshot returns a copy of the proposal, expiring it first if due.
func (s *Service) snapshot(ctx context.Context, rec *record) Proposal {
	rec.mu.Lock()
	ev, expired := s.expireLocked(ctx, rec)
	p := rec.p.clone()
	rec.mu.Unlock()
	if expired {
		s.notify(ev)
	}
	return p
}

// Get returns the proposal with the given ID.
func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Proposal{}, err
	}
	return s.snapshot(ctx, rec), nil
}

// Remaining returns the endorsement weight p still needs.
func (s *Service) Remaining(p Proposal) int {
	return s.remaining(&p)
}

// List returns proposals with the given status ("" for all), oldest first.
func (s *Service) List(ctx context.Context, status Status) []Proposal {
	var out []Proposal
	for _, rec := range s.records() {
		p := s.snapshot(ctx, rec)
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AuditLog returns the history of a proposal, oldest first.
func (s *Service) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	rows, err := s.store.ListAudit(ctx, normID(id))
	if errors.Is(err, sql.ErrNoRows) {
		return []AuditEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit log %s: %w", id, err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			ID:         r.ID,
			ProposalID: r.ProposalID,
			Action:     r.Action,
			Actor:      r.Actor,
			Detail:     r.Detail,
			CreatedAt:  time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}
