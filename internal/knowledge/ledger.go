package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/glyph"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/storage"
)

// Store is the persistence the Ledger needs.
type Store interface {
	InsertMessage(ctx context.Context, m *storage.Message) (bool, error)
	GetMessageByHash(ctx context.Context, hash string) (*storage.Message, error)
	ListMessages(ctx context.Context, limit int, beforeSeq int64) ([]storage.Message, error)
	CountMessages(ctx context.Context) (int64, error)
	SetMessageAttestation(ctx context.Context, hash, ref string) error

	TouchGlyph(ctx context.Context, glyphID, agent string, ts int64) error
	TouchAgent(ctx context.Context, name, glyphID string, ts int64) error
	TouchSequence(ctx context.Context, key string, agents []string, ts int64) error
	ListGlyphStats(ctx context.Context) ([]storage.GlyphStat, error)
	ListAgentStats(ctx context.Context) ([]storage.AgentStat, error)
	ListSequences(ctx context.Context) ([]storage.Sequence, error)
}

// Vocabulary resolves accepted extensions and counts their use.
type Vocabulary interface {
	Known(id string) bool
	RecordUse(ctx context.Context, id string) error
}

// Recorded is the outcome of RecordMessage.
type Recorded struct {
	Message   Message      `json:"message"`
	Duplicate bool         `json:"duplicate"`
	Sequences []Occurrence `json:"-"`
}

// Counts is the ledger's share of the engine statistics.
type Counts struct {
	TotalMessages     int64 `json:"total_messages"`
	TotalGlyphsUsed   int64 `json:"total_glyphs_used"`
	ActiveAgents      int64 `json:"active_agents"`
	SequencesDetected int64 `json:"sequences_detected"`
}

// Ledger records messages and maintains the derived glyph, agent and
// sequence indices. The store holds the messages; the indices live in
// memory and are written through to the store on a best-effort basis.
type Ledger struct {
	store Store
	vocab Vocabulary
	seq   *SequenceDetector
	log   *zap.Logger
	now   func() time.Time

	glyphs *statIndex
	agents *statIndex

	messages   atomic.Int64
	glyphsUsed atomic.Int64
	agentsSeen atomic.Int64
}

// NewLedger creates a Ledger. vocab may be nil, in which case only base
// glyphs are accepted.
func NewLedger(store Store, vocab Vocabulary, seq *SequenceDetector, logger *zap.Logger) *Ledger {
	if seq == nil {
		seq = NewSequenceDetector(0, 0)
	}
	return &Ledger{
		store:  store,
		vocab:  vocab,
		seq:    seq,
		log:    logging.OrNop(logger).Named("ledger"),
		now:    time.Now,
		glyphs: newStatIndex(),
		agents: newStatIndex(),
	}
}

// Sequences returns the ledger's sequence detector.
func (l *Ledger) Sequences() *SequenceDetector { return l.seq }

// Load restores the counters and indices from the store. The sequence
// thread buffers start empty.
func (l *Ledger) Load(ctx context.Context) error {
	n, err := l.store.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	l.messages.Store(n)

	glyphs, err := l.store.ListGlyphStats(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for _, g := range glyphs {
		l.glyphs.restore(g.GlyphID, g.Count, time.UnixMilli(g.FirstSeen), time.UnixMilli(g.LastSeen), g.Agents)
	}
	l.glyphsUsed.Store(int64(len(glyphs)))

	agents, err := l.store.ListAgentStats(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for _, a := range agents {
		l.agents.restore(a.Name, a.MessageCount, time.UnixMilli(a.FirstSeen), time.UnixMilli(a.LastSeen), a.GlyphsUsed)
	}
	l.agentsSeen.Store(int64(len(agents)))

	seqs, err := l.store.ListSequences(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for _, s := range seqs {
		l.seq.restore(s.Key, s.Count, time.UnixMilli(s.FirstSeen), time.UnixMilli(s.LastSeen), s.AgentsInvolved)
	}
	return nil
}

// Known reports whether id is a base glyph or an accepted extension.
func (l *Ledger) Known(id string) bool {
	if glyph.IsBase(id) {
		return true
	}
	return l.vocab != nil && l.vocab.Known(id)
}

// RecordMessage validates and appends msg, then updates the derived
// indices. A message whose content hash is already in the ledger is not
// appended again; the original is returned with Duplicate set. Failures
// while updating derived indices are logged and do not fail the call.
func (l *Ledger) RecordMessage(ctx context.Context, msg Message) (Recorded, error) {
	msg.normalize()
	if err := msg.validate(); err != nil {
		return Recorded{}, err
	}
	if !l.Known(msg.GlyphID) {
		return Recorded{}, fmt.Errorf("record message %s: %w", msg.GlyphID, ErrUnknownGlyph)
	}

	now := l.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.ID = uuid.New().String()
	msg.RecordedAt = now
	msg.AttestationRef = ""
	if msg.ContentHash == "" {
		msg.ContentHash = computeHash(&msg)
	}

	row := toRow(&msg)
	inserted, err := l.store.InsertMessage(ctx, row)
	if err != nil {
		return Recorded{}, fmt.Errorf("record message: %w", err)
	}
	if !inserted {
		orig, err := l.store.GetMessageByHash(ctx, msg.ContentHash)
		if err != nil {
			return Recorded{}, fmt.Errorf("record message: load duplicate: %w", err)
		}
		return Recorded{Message: fromRow(orig), Duplicate: true}, nil
	}
	msg.Seq = row.Seq
	l.messages.Add(1)

	ts := msg.Timestamp.UnixMilli()
	if l.glyphs.touch(msg.GlyphID, msg.Timestamp, msg.Sender) {
		l.glyphsUsed.Add(1)
	}
	if err := l.store.TouchGlyph(ctx, msg.GlyphID, msg.Sender, ts); err != nil {
		l.log.Warn("persist glyph stat failed", zap.String("glyph", msg.GlyphID), zap.Error(err))
	}
	if l.agents.touch(msg.Sender, msg.Timestamp, msg.GlyphID) {
		l.agentsSeen.Add(1)
	}
	if err := l.store.TouchAgent(ctx, msg.Sender, msg.GlyphID, ts); err != nil {
		l.log.Warn("persist agent stat failed", zap.String("agent", msg.Sender), zap.Error(err))
	}

	occs := l.seq.Observe(msg)
	for _, o := range occs {
		if err := l.store.TouchSequence(ctx, o.Key, o.Agents, o.At.UnixMilli()); err != nil {
			l.log.Warn("persist sequence failed", zap.String("sequence", o.Key), zap.Error(err))
		}
	}

	if !glyph.IsBase(msg.GlyphID) && l.vocab != nil {
		if err := l.vocab.RecordUse(ctx, msg.GlyphID); err != nil {
			l.log.Debug("record extension use failed", zap.String("glyph", msg.GlyphID), zap.Error(err))
		}
	}

	l.log.Debug("message recorded",
		zap.String("hash", msg.ContentHash),
		zap.String("glyph", msg.GlyphID),
		zap.String("sender", msg.Sender),
		zap.String("recipient", msg.Recipient))
	return Recorded{Message: msg, Sequences: occs}, nil
}

// GetMessage returns the message with the given content hash.
func (l *Ledger) GetMessage(ctx context.Context, hash string) (Message, error) {
	row, err := l.store.GetMessageByHash(ctx, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("get message %s: %w", hash, ErrMessageNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	return fromRow(row), nil
}

// Timeline returns up to limit messages, newest first. A positive before
// restricts the page to messages older than that sequence number.
func (l *Ledger) Timeline(ctx context.Context, limit int, before int64) ([]Message, error) {
	rows, err := l.store.ListMessages(ctx, limit, before)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// SetAttestation stores the attestation reference for a recorded message.
func (l *Ledger) SetAttestation(ctx context.Context, hash, ref string) error {
	err := l.store.SetMessageAttestation(ctx, hash, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set attestation %s: %w", hash, ErrMessageNotFound)
	}
	return err
}

// Counts returns the running totals in constant time.
func (l *Ledger) Counts() Counts {
	return Counts{
		TotalMessages:     l.messages.Load(),
		TotalGlyphsUsed:   l.glyphsUsed.Load(),
		ActiveAgents:      l.agentsSeen.Load(),
		SequencesDetected: l.seq.Count(),
	}
}

// GlyphStats returns usage for every glyph seen, most used first.
func (l *Ledger) GlyphStats() []GlyphStat {
	views := l.glyphs.all()
	out := make([]GlyphStat, 0, len(views))
	for _, v := range views {
		out = append(out, v.glyphStat())
	}
	return out
}

// GlyphStat returns usage for a single glyph.
func (l *Ledger) GlyphStat(id string) (GlyphStat, bool) {
	id = glyph.NormalizeID(id)
	v, ok := l.glyphs.get(id)
	if !ok {
		return GlyphStat{}, false
	}
	return keyedView{key: id, counterView: v}.glyphStat(), true
}

// Agents returns activity for every agent seen, most active first.
func (l *Ledger) Agents() []AgentStat {
	views := l.agents.all()
	out := make([]AgentStat, 0, len(views))
	for _, v := range views {
		out = append(out, v.agentStat())
	}
	return out
}

// Agent returns activity for a single agent.
func (l *Ledger) Agent(name string) (AgentStat, bool) {
	v, ok := l.agents.get(name)
	if !ok {
		return AgentStat{}, false
	}
	return keyedView{key: name, counterView: v}.agentStat(), true
}
