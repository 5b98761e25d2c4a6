// Package engine is the knowledge and governance engine: it ties the message
// ledger, the vocabulary registry and the proposal process together behind
// one API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/attest"
	"github.com/ssd-technologies/agora/internal/feed"
	"github.com/ssd-technologies/agora/internal/governance"
	"github.com/ssd-technologies/agora/internal/identity"
	"github.com/ssd-technologies/agora/internal/knowledge"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/metrics"
	"github.com/ssd-technologies/agora/internal/storage"
	"github.com/ssd-technologies/agora/internal/vocab"
)

// Publisher receives live events. *feed.Hub implements it.
type Publisher interface {
	Publish(topic string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Options configure an Engine. Zero values select defaults.
type Options struct {
	Rules             governance.Rules
	SequenceBuffer    int
	SequenceWindow    time.Duration
	IdentityCacheSize int
	AttestTimeout     time.Duration

	Attest  attest.Ledger
	Metrics *metrics.Metrics
	Feed    Publisher
	Logger  *zap.Logger
}

// Engine is the process-wide service. Construct it once with New, call Load,
// and Close it on shutdown.
type Engine struct {
	db         *storage.DB
	ledger     *knowledge.Ledger
	vocab      *vocab.Registry
	gov        *governance.Service
	identities *identity.Registry
	attest     attest.Ledger
	metrics    *metrics.Metrics
	feed       Publisher
	log        *zap.Logger

	attestTimeout time.Duration
	attesting     sync.WaitGroup
}

// New wires an Engine over db.
func New(db *storage.DB, opts Options) (*Engine, error) {
	logger := logging.OrNop(opts.Logger)
	if opts.Attest == nil {
		opts.Attest = attest.Nop{}
	}
	if opts.Feed == nil {
		opts.Feed = nopPublisher{}
	}
	if opts.AttestTimeout <= 0 {
		opts.AttestTimeout = 30 * time.Second
	}

	ids, err := identity.NewRegistry(db, opts.IdentityCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:            db,
		vocab:         vocab.New(db, logger),
		identities:    ids,
		attest:        opts.Attest,
		metrics:       opts.Metrics,
		feed:          opts.Feed,
		log:           logger.Named("engine"),
		attestTimeout: opts.AttestTimeout,
	}
	seq := knowledge.NewSequenceDetector(opts.SequenceBuffer, opts.SequenceWindow)
	e.ledger = knowledge.NewLedger(db, e.vocab, seq, logger)
	e.gov = governance.New(db, e.vocab, governance.Options{
		Rules:    opts.Rules,
		Identity: ids,
		Logger:   logger,
		Notify:   e.onGovernance,
	})
	return e, nil
}

// Load restores in-memory state from the store.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.vocab.Load(ctx); err != nil {
		return err
	}
	if err := e.ledger.Load(ctx); err != nil {
		return err
	}
	if err := e.gov.Load(ctx); err != nil {
		return err
	}
	c := e.ledger.Counts()
	pending, accepted := e.gov.Counts()
	e.log.Info("engine loaded",
		zap.Int64("messages", c.TotalMessages),
		zap.Int64("agents", c.ActiveAgents),
		zap.Int64("pending_proposals", pending),
		zap.Int64("accepted_proposals", accepted),
		zap.Int("extensions", len(e.vocab.List())))
	return nil
}

// Close waits for in-flight attestations.
func (e *Engine) Close() {
	e.attesting.Wait()
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

func (e *Engine) onGovernance(ev governance.Event) {
	e.metrics.Governance(ev.Action)
	e.feed.Publish(feed.TopicGovernance, ev)
}

// --- Knowledge ---

// RecordMessage appends msg to the ledger. When anchor is set the content
// hash is attested asynchronously; attestation failures are only logged.
func (e *Engine) RecordMessage(ctx context.Context, msg knowledge.Message, anchor bool) (knowledge.Recorded, error) {
	rec, err := e.ledger.RecordMessage(ctx, msg)
	switch {
	case err != nil:
		e.metrics.Message(metrics.ResultRejected)
		return rec, err
	case rec.Duplicate:
		e.metrics.Message(metrics.ResultDuplicate)
		return rec, nil
	}
	e.metrics.Message(metrics.ResultRecorded)
	e.feed.Publish(feed.TopicMessages, rec.Message)
	if anchor {
		e.attestAsync(rec.Message.ContentHash)
	}
	return rec, nil
}

func (e *Engine) attestAsync(hash string) {
	e.attesting.Add(1)
	go func() {
		defer e.attesting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.attestTimeout)
		defer cancel()

		ref, err := e.attest.Attest(ctx, hash)
		e.metrics.Attestation(err)
		if errors.Is(err, attest.ErrDisabled) {
			return
		}
		if err != nil {
			e.log.Warn("attestation failed", zap.String("hash", hash), zap.Error(err))
			return
		}
		if err := e.ledger.SetAttestation(ctx, hash, ref); err != nil {
			e.log.Warn("store attestation failed", zap.String("hash", hash), zap.Error(err))
			return
		}
		e.log.Debug("message attested", zap.String("hash", hash), zap.String("tx", ref))
	}()
}

// Verification pairs a recorded message with its ledger attestation.
type Verification struct {
	Message     knowledge.Message   `json:"message"`
	Attestation *attest.Attestation `json:"attestation"`
	Verified    bool                `json:"verified"`
}

// VerifyMessage looks up the message and asks the attestation ledger for it.
func (e *Engine) VerifyMessage(ctx context.Context, hash string) (Verification, error) {
	msg, err := e.ledger.GetMessage(ctx, hash)
	if err != nil {
		return Verification{}, err
	}
	a, err := e.attest.Verify(ctx, hash)
	if err != nil {
		return Verification{}, fmt.Errorf("verify message: %w", err)
	}
	return Verification{Message: msg, Attestation: a, Verified: a != nil}, nil
}

// GetMessage returns a recorded message by content hash.
func (e *Engine) GetMessage(ctx context.Context, hash string) (knowledge.Message, error) {
	return e.ledger.GetMessage(ctx, hash)
}

// Timeline returns the most recent messages, newest first.
func (e *Engine) Timeline(ctx context.Context, limit int, before int64) ([]knowledge.Message, error) {
	return e.ledger.Timeline(ctx, limit, before)
}

// Stats are the engine-wide counters.
type Stats struct {
	knowledge.Counts
	PendingProposals  int64 `json:"pending_proposals"`
	AcceptedProposals int64 `json:"accepted_proposals"`
}

// Stats returns the running counters in constant time. PendingProposals
// still counts an overdue proposal until the sweeper or a read expires it.
func (e *Engine) Stats() Stats {
	pending, accepted := e.gov.Counts()
	return Stats{Counts: e.ledger.Counts(), PendingProposals: pending, AcceptedProposals: accepted}
}

// GetAgents returns every agent's activity, most active first.
func (e *Engine) GetAgents() []knowledge.AgentStat { return e.ledger.Agents() }

// GetAgent returns one agent's activity.
func (e *Engine) GetAgent(name string) (knowledge.AgentStat, bool) { return e.ledger.Agent(name) }

// GetGlyphStats returns usage for every glyph seen, most used first.
func (e *Engine) GetGlyphStats() []knowledge.GlyphStat { return e.ledger.GlyphStats() }

// GetGlyph returns one glyph's usage.
func (e *Engine) GetGlyph(id string) (knowledge.GlyphStat, bool) { return e.ledger.GlyphStat(id) }

// GetSequences returns the detected sequence patterns, most frequent first.
func (e *Engine) GetSequences() []knowledge.SequencePattern {
	return e.ledger.Sequences().Patterns()
}

// Suggestions returns frequent sequences that are not yet accepted compounds.
func (e *Engine) Suggestions(minCount int64, minAgents int) []knowledge.SequencePattern {
	return e.ledger.Sequences().Suggestions(minCount, minAgents, func(c []string) bool {
		_, ok := e.vocab.HasCompound(c)
		return ok
	})
}

// EvictIdleThreads drops sequence buffers idle for longer than idle.
func (e *Engine) EvictIdleThreads(idle time.Duration) int {
	return e.ledger.Sequences().Evict(idle)
}

// SequenceWindow is the detector's pairing window.
func (e *Engine) SequenceWindow() time.Duration {
	return e.ledger.Sequences().Window()
}

// QueryResult groups search hits by kind.
type QueryResult struct {
	Query string `json:"query"`
	knowledge.SearchResult
	Proposals []governance.Proposal `json:"proposals"`
}

// Query searches glyphs, agents, sequences and proposals. Matching is case
// insensitive by substring, or by glob when term contains *, ? or [.
func (e *Engine) Query(ctx context.Context, term string) (QueryResult, error) {
	m, err := knowledge.NewMatcher(term)
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{
		Query:        strings.TrimSpace(term),
		SearchResult: e.ledger.Search(m),
		Proposals:    []governance.Proposal{},
	}
	for _, p := range e.gov.List(ctx, "") {
		if m.Match(proposalText(p)...) {
			res.Proposals = append(res.Proposals, p)
		}
	}
	return res, nil
}

func proposalText(p governance.Proposal) []string {
	out := []string{p.ID, p.Name, p.Description, p.Proposer}
	switch pl := p.Payload.(type) {
	case governance.Compound:
		out = append(out, pl.Components...)
		out = append(out, strings.Join(pl.Components, "+"))
	case governance.Base:
		out = append(out, pl.Domain, pl.Meaning)
		out = append(out, pl.Keywords...)
	}
	return out
}

// --- Governance ---

// Propose opens a proposal and returns it with the endorsement weight it
// still needs.
func (e *Engine) Propose(ctx context.Context, proposer, name, description string, payload governance.Payload) (governance.Proposal, int, error) {
	return e.gov.Propose(ctx, proposer, name, description, payload)
}

// Endorse votes for a proposal.
func (e *Engine) Endorse(ctx context.Context, id, agent string) (governance.VoteResult, error) {
	return e.gov.Endorse(ctx, id, agent)
}

// Reject votes against a proposal.
func (e *Engine) Reject(ctx context.Context, id, agent string) (governance.VoteResult, error) {
	return e.gov.Reject(ctx, id, agent)
}

// Amend supersedes a pending proposal with a revised one.
func (e *Engine) Amend(ctx context.Context, id, proposer, name, description string, payload governance.Payload) (governance.Proposal, error) {
	return e.gov.Amend(ctx, id, proposer, name, description, payload)
}

// ListProposals returns proposals with status ("" for all).
func (e *Engine) ListProposals(ctx context.Context, status governance.Status) []governance.Proposal {
	return e.gov.List(ctx, status)
}

// GetProposal returns one proposal.
func (e *Engine) GetProposal(ctx context.Context, id string) (governance.Proposal, error) {
	return e.gov.Get(ctx, id)
}

// Remaining returns the endorsement weight p still needs.
func (e *Engine) Remaining(p governance.Proposal) int {
	return e.gov.Remaining(p)
}

// AuditLog returns a proposal's history.
func (e *Engine) AuditLog(ctx context.Context, id string) ([]governance.AuditEntry, error) {
	return e.gov.AuditLog(ctx, id)
}

// SweepExpired expires overdue proposals.
func (e *Engine) SweepExpired(ctx context.Context) []string {
	ids := e.gov.SweepExpired(ctx)
	e.metrics.Sweep()
	return ids
}

// Rules returns the governance rules in force.
func (e *Engine) Rules() governance.Rules { return e.gov.Rules() }

// GetVocabularyExtensions returns every accepted extension, oldest first.
func (e *Engine) GetVocabularyExtensions() []vocab.Item {
	return e.vocab.List()
}

// --- Identity ---

// RegisterIdentity records an agent's verification tier.
func (e *Engine) RegisterIdentity(ctx context.Context, name string, tier identity.Tier, wallet string) (*storage.Identity, error) {
	id, err := e.identities.Register(ctx, name, tier, wallet)
	if err != nil {
		return nil, err
	}
	e.log.Info("identity registered", zap.String("agent", id.Name), zap.Stringer("tier", identity.Tier(id.Tier)))
	return id, nil
}

// ListIdentities returns every registered identity.
func (e *Engine) ListIdentities(ctx context.Context) ([]storage.Identity, error) {
	return e.identities.List(ctx)
}
