// Package vocab is the registry of vocabulary extensions accepted through
// governance: compound glyphs (XC namespace) and new base glyphs (BG).
package vocab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/glyph"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/storage"
)

// Kind distinguishes compound extensions from new base glyphs.
type Kind string

const (
	KindCompound Kind = storage.ProposalCompound
	KindBase     Kind = storage.ProposalBase
)

// ErrUnknownItem is returned when no extension has the given ID.
var ErrUnknownItem = errors.New("unknown vocabulary item")

// Item is an accepted vocabulary extension.
type Item struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Name             string    `json:"name"`
	Components       []string  `json:"components,omitempty"`
	Domain           string    `json:"domain,omitempty"`
	Keywords         []string  `json:"keywords,omitempty"`
	Meaning          string    `json:"meaning,omitempty"`
	Description      string    `json:"description,omitempty"`
	SourceProposalID string    `json:"source_proposal_id"`
	CreatedAt        time.Time `json:"created_at"`
	UseCount         int64     `json:"use_count"`
}

// Store is the persistence the Registry needs.
type Store interface {
	ListVocabulary(ctx context.Context) ([]storage.VocabularyItem, error)
	IncrementVocabularyUse(ctx context.Context, id string) error
	AcceptProposal(ctx context.Context, id string, item *storage.VocabularyItem, resolvedAt int64, audit storage.AuditEntry) (bool, error)
}

type entry struct {
	item Item
	uses atomic.Int64
}

// Registry holds accepted extensions in memory, backed by the store.
type Registry struct {
	store Store
	log   *zap.Logger

	mu    sync.RWMutex
	items map[string]*entry
}

// New creates an empty Registry. Call Load to restore persisted items.
func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store: store,
		log:   logging.OrNop(logger).Named("vocab"),
		items: make(map[string]*entry),
	}
}

// Load replaces the in-memory registry with the persisted items.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListVocabulary(ctx)
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	items := make(map[string]*entry, len(rows))
	for _, row := range rows {
		e := &entry{item: fromRow(row)}
		e.uses.Store(row.UseCount)
		items[row.ID] = e
	}
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	return nil
}

// Accept allocates the next ID in the draft's namespace and stores the item
// in the same store transaction that moves proposalID from pending to
// accepted. It reports false when the proposal was already terminal, in
// which case no item exists for this call.
func (r *Registry) Accept(ctx context.Context, proposalID string, draft Item, audit storage.AuditEntry) (Item, bool, error) {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	row := toRow(draft)
	ok, err := r.store.AcceptProposal(ctx, proposalID, &row, draft.CreatedAt.UnixMilli(), audit)
	if err != nil || !ok {
		return Item{}, false, err
	}
	item := fromRow(row)
	r.mu.Lock()
	r.items[item.ID] = &entry{item: item}
	r.mu.Unlock()
	r.log.Info("vocabulary extended",
		zap.String("id", item.ID),
		zap.String("name", item.Name),
		zap.String("proposal", proposalID))
	return item, true, nil
}

// Known reports whether id is an accepted extension.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[glyph.NormalizeID(id)]
	return ok
}

// Get returns the extension with the given ID.
func (r *Registry) Get(id string) (Item, bool) {
	r.mu.RLock()
	e, ok := r.items[glyph.NormalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return Item{}, false
	}
	return e.snapshot(), true
}

// List returns all extensions, oldest first.
func (r *Registry) List() []Item {
	r.mu.RLock()
	out := make([]Item, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasCompound returns the ID of an accepted compound with exactly these
// components, in order.
func (r *Registry) HasCompound(components []string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.items {
		if e.item.Kind == KindCompound && slices.Equal(e.item.Components, components) {
			return id, true
		}
	}
	return "", false
}

// RecordUse increments the use count of an extension that appeared in a
// message.
func (r *Registry) RecordUse(ctx context.Context, id string) error {
	id = glyph.NormalizeID(id)
	r.mu.RLock()
	e, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("record use %s: %w", id, ErrUnknownItem)
	}
	e.uses.Add(1)
	if err := r.store.IncrementVocabularyUse(ctx, id); err != nil {
		return fmt.Errorf("record use %s: %w", id, err)
	}
	return nil
}

func (e *entry) snapshot() Item {
	it := e.item
	it.Components = slices.Clone(it.Components)
	it.Keywords = slices.Clone(it.Keywords)
	it.UseCount = e.uses.Load()
	return it
}

func fromRow(row storage.VocabularyItem) Item {
	return Item{
		ID:               row.ID,
		Kind:             Kind(row.Kind),
		Name:             row.Name,
		Components:       row.Components,
		Domain:           row.Domain,
		Keywords:         row.Keywords,
		Meaning:          row.Meaning,
		Description:      row.Description,
		SourceProposalID: row.SourceProposalID,
		CreatedAt:        time.UnixMilli(row.CreatedAt),
		UseCount:         row.UseCount,
	}
}

func toRow(it Item) storage.VocabularyItem {
	return storage.VocabularyItem{
		ID:               it.ID,
		Kind:             string(it.Kind),
		Name:             it.Name,
		Components:       it.Components,
		Domain:           it.Domain,
		Keywords:         it.Keywords,
		Meaning:          it.Meaning,
		Description:      it.Description,
		SourceProposalID: it.SourceProposalID,
		CreatedAt:        it.CreatedAt.UnixMilli(),
	}
}
