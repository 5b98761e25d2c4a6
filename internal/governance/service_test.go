package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/agora/internal/identity"
	"github.com/ssd-technologies/agora/internal/storage"
	"github.com/ssd-technologies/agora/internal/vocab"
)

type fixture struct {
	db    *storage.DB
	vocab *vocab.Registry
	svc   *Service
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, tiers identity.Static) *fixture {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := vocab.New(db, nil)
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	svc := New(db, reg, Options{Identity: tiers})
	svc.now = clk.Now
	return &fixture{db: db, vocab: reg, svc: svc, clock: clk}
}

func taskAck() Payload {
	return Compound{Components: []string{"T01", "R01"}}
}

func TestScenarioA_CompoundAccepted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, remaining, err := f.svc.Propose(ctx, "alice", "TaskAck", "task then response", taskAck())
	require.NoError(t, err)
	require.Equal(t, "P001", p.ID)
	require.Equal(t, StatusPending, p.Status)
	require.Len(t, p.Endorsers, 1)
	require.Equal(t, 2, remaining)

	res, err := f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.True(t, res.Recorded)
	require.Len(t, res.Proposal.Endorsers, 2)
	require.Equal(t, StatusPending, res.Proposal.Status)

	res, err = f.svc.Endorse(ctx, p.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Proposal.Status)
	require.NotNil(t, res.Item)
	require.Equal(t, "XC01", res.Item.ID)
	require.Equal(t, "XC01", res.Proposal.ItemID)

	items := f.vocab.List()
	require.Len(t, items, 1)
	require.Equal(t, "TaskAck", items[0].Name)
	require.Equal(t, []string{"T01", "R01"}, items[0].Components)
	require.Equal(t, p.ID, items[0].SourceProposalID)

	pending, accepted := f.svc.Counts()
	require.Zero(t, pending)
	require.Equal(t, int64(1), accepted)
}

func TestScenarioB_RejectedOnThirdReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)

	for i, agent := range []string{"bob", "carol", "dave"} {
		res, err := f.svc.Reject(ctx, p.ID, agent)
		require.NoError(t, err)
		require.True(t, res.Recorded)
		if i < 2 {
			require.Equal(t, StatusPending, res.Proposal.Status)
		} else {
			require.Equal(t, StatusRejected, res.Proposal.Status)
			require.NotNil(t, res.Proposal.ResolvedAt)
		}
	}
	require.Empty(t, f.vocab.List())
}

func TestScenarioD_EndorseAcceptedIsNoop(t *testing.T) {
	f := newFixture(t, identity.Static{"bob": identity.TierRegistered})
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	res, err := f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Proposal.Status)

	res, err = f.svc.Endorse(ctx, p.ID, "dave")
	require.NoError(t, err)
	require.False(t, res.Recorded)
	require.Equal(t, StatusAccepted, res.Proposal.Status)
	require.Len(t, res.Proposal.Endorsers, 2)
	require.Len(t, f.vocab.List(), 1)
}

func TestExactlyOnceAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)

	const n = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		items []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Endorse(ctx, p.ID, fmt.Sprintf("agent-%02d", i))
			if err != nil {
				t.Error(err)
				return
			}
			if res.Item != nil {
				mu.Lock()
				items = append(items, res.Item.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, []string{"XC01"}, items)
	require.Len(t, f.vocab.List(), 1)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, got.Status)
	// Only the votes that arrived while pending were recorded.
	require.Equal(t, 3, got.EndorseWeight())
}

func TestVoteExclusivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)

	res, err := f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.True(t, res.Recorded)

	res, err = f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.False(t, res.Recorded)
	require.Len(t, res.Proposal.Endorsers, 2)

	_, err = f.svc.Reject(ctx, p.ID, "bob")
	require.ErrorIs(t, err, ErrAlreadyVotedOpposite)

	// The proposer endorsed at creation.
	_, err = f.svc.Reject(ctx, p.ID, "alice")
	require.ErrorIs(t, err, ErrAlreadyVotedOpposite)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, got.Rejectors)
}

func TestWeightedVotes(t *testing.T) {
	f := newFixture(t, identity.Static{
		"alice": identity.TierWalletLinked,
		"bob":   identity.TierRegistered,
	})
	ctx := context.Background()

	p, remaining, err := f.svc.Propose(ctx, "alice", "Lend", "", Base{
		Domain:   "DeFi",
		Keywords: []string{" lend ", "", "loan"},
		Meaning:  "offer a loan",
	})
	require.NoError(t, err)
	require.Equal(t, TypeBase, p.Type)
	require.Equal(t, 3, remaining)
	require.Equal(t, Base{Domain: "defi", Keywords: []string{"lend", "loan"}, Meaning: "offer a loan"}, p.Payload)

	res, err := f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Proposal.Status)
	require.Equal(t, "BG01", res.Item.ID)
	require.Equal(t, "defi", res.Item.Domain)
}

func TestProposerAloneMeetsThreshold(t *testing.T) {
	f := newFixture(t, identity.Static{"alice": identity.TierRegistered})
	ctx := context.Background()

	p, remaining, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, p.Status)
	require.Zero(t, remaining)
	require.Equal(t, "XC01", p.ItemID)
	require.Len(t, f.vocab.List(), 1)

	f.clock.Advance(8 * 24 * time.Hour)
	require.Empty(t, f.svc.SweepExpired(ctx))
	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, got.Status)

	pending, accepted := f.svc.Counts()
	require.Zero(t, pending)
	require.Equal(t, int64(1), accepted)
}

func TestAmendMeetingThresholdIsAccepted(t *testing.T) {
	f := newFixture(t, identity.Static{"alice": identity.TierRegistered})
	ctx := context.Background()

	p, remaining, err := f.svc.Propose(ctx, "alice", "Rain", "", Base{Domain: "state", Keywords: []string{"rain"}})
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, 2, remaining)

	next, err := f.svc.Amend(ctx, p.ID, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	require.Equal(t, TypeCompound, next.Type)
	require.Equal(t, StatusAccepted, next.Status)

	old, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuperseded, old.Status)

	items := f.vocab.List()
	require.Len(t, items, 1)
	require.Equal(t, next.ID, items[0].SourceProposalID)

	pending, accepted := f.svc.Counts()
	require.Zero(t, pending)
	require.Equal(t, int64(1), accepted)
}

func TestOverdueProposalAtThresholdIsAccepted(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	tiers := identity.Static{"alice": identity.TierRegistered}

	strict := Rules{CompoundThreshold: 5, BaseThreshold: 5, RejectThreshold: 3, CompoundExpiry: time.Hour, BaseExpiry: time.Hour}
	svc := New(db, vocab.New(db, nil), Options{Rules: strict, Identity: tiers})
	p, _, err := svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)

	// Reopen with a threshold the stored endorsements already meet.
	lenient := strict
	lenient.CompoundThreshold = 3
	reg := vocab.New(db, nil)
	require.NoError(t, reg.Load(ctx))
	svc = New(db, reg, Options{Rules: lenient, Identity: tiers})
	require.NoError(t, svc.Load(ctx))
	later := time.Now().Add(2 * time.Hour)
	svc.now = func() time.Time { return later }

	require.Empty(t, svc.SweepExpired(ctx))
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, got.Status)
	require.Len(t, reg.List(), 1)
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		agent   string
		title   string
		payload Payload
		want    error
	}{
		{"unknown component", "alice", "X", Compound{Components: []string{"T01", "Z99"}}, ErrUnknownComponent},
		{"one component", "alice", "X", Compound{Components: []string{"T01"}}, ErrInvalidProposal},
		{"bad domain", "alice", "X", Base{Domain: "weather", Keywords: []string{"rain"}}, ErrInvalidDomain},
		{"no keywords", "alice", "X", Base{Domain: "social", Keywords: []string{" "}}, ErrInvalidProposal},
		{"no name", "alice", " ", taskAck(), ErrInvalidProposal},
		{"no proposer", "", "X", taskAck(), ErrInvalidProposal},
		{"no payload", "alice", "X", nil, ErrInvalidProposal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.Propose(ctx, tc.agent, tc.title, "", tc.payload)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, f.svc.List(ctx, ""))
}

func TestCompoundOfExtension(t *testing.T) {
	f := newFixture(t, identity.Static{"bob": identity.TierRegistered})
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	_, err = f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)

	q, _, err := f.svc.Propose(ctx, "alice", "TaskAckDone", "", Compound{Components: []string{"xc01", "s02"}})
	require.NoError(t, err)
	require.Equal(t, Compound{Components: []string{"XC01", "S02"}}, q.Payload)
}

func TestAmendmentResetsVotes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "first", taskAck())
	require.NoError(t, err)
	_, err = f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, p.ID, "carol")
	require.NoError(t, err)

	_, err = f.svc.Amend(ctx, p.ID, "bob", "", "", taskAck())
	require.ErrorIs(t, err, ErrNotProposer)

	next, err := f.svc.Amend(ctx, p.ID, "alice", "", "", Compound{Components: []string{"T01", "A01"}})
	require.NoError(t, err)
	require.Equal(t, "P002", next.ID)
	require.Equal(t, p.ID, next.Supersedes)
	require.Equal(t, "TaskAck", next.Name)
	require.Equal(t, "first", next.Description)
	require.Len(t, next.Endorsers, 1)
	require.Equal(t, "alice", next.Endorsers[0].Agent)
	require.Empty(t, next.Rejectors)

	old, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuperseded, old.Status)
	require.Equal(t, next.ID, old.SupersededBy)

	_, err = f.svc.Amend(ctx, p.ID, "alice", "", "", taskAck())
	require.ErrorIs(t, err, ErrProposalNotPending)

	pending, _ := f.svc.Counts()
	require.Equal(t, int64(1), pending)
}

func TestTerminalStability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	for _, agent := range []string{"bob", "carol", "dave"} {
		_, err := f.svc.Reject(ctx, p.ID, agent)
		require.NoError(t, err)
	}

	for _, agent := range []string{"erin", "frank", "grace"} {
		res, err := f.svc.Endorse(ctx, p.ID, agent)
		require.NoError(t, err)
		require.False(t, res.Recorded)
	}
	f.clock.Advance(30 * 24 * time.Hour)
	require.Empty(t, f.svc.SweepExpired(ctx))

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
	require.Empty(t, f.vocab.List())
}

func TestExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	compound, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	base, _, err := f.svc.Propose(ctx, "alice", "Rain", "", Base{Domain: "state", Keywords: []string{"rain"}})
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, compound.ExpiresAt.Sub(compound.CreatedAt))
	require.Equal(t, 14*24*time.Hour, base.ExpiresAt.Sub(base.CreatedAt))

	f.clock.Advance(8 * 24 * time.Hour)
	require.Equal(t, []string{compound.ID}, f.svc.SweepExpired(ctx))

	// Lazy expiry on vote.
	f.clock.Advance(7 * 24 * time.Hour)
	res, err := f.svc.Endorse(ctx, base.ID, "bob")
	require.NoError(t, err)
	require.False(t, res.Recorded)
	require.Equal(t, StatusExpired, res.Proposal.Status)

	require.Len(t, f.svc.List(ctx, StatusExpired), 2)
	pending, _ := f.svc.Counts()
	require.Zero(t, pending)
}

func TestLoadAndAuditLog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	_, err = f.svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)
	_, err = f.svc.Endorse(ctx, p.ID, "carol")
	require.NoError(t, err)

	log, err := f.svc.AuditLog(ctx, p.ID)
	require.NoError(t, err)
	var actions []string
	for _, e := range log {
		actions = append(actions, e.Action)
	}
	require.Equal(t, []string{ActionCreated, ActionEndorse, ActionEndorse, ActionEndorse, ActionAccepted}, actions)

	_, err = f.svc.AuditLog(ctx, "P999")
	require.ErrorIs(t, err, ErrProposalNotFound)

	reg := vocab.New(f.db, nil)
	require.NoError(t, reg.Load(ctx))
	reloaded := New(f.db, reg, Options{})
	require.NoError(t, reloaded.Load(ctx))

	got, err := reloaded.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, got.Status)
	require.Equal(t, "XC01", got.ItemID)
	require.Len(t, got.Endorsers, 3)
	_, accepted := reloaded.Counts()
	require.Equal(t, int64(1), accepted)

	_, err = reloaded.Get(ctx, "p404")
	require.ErrorIs(t, err, ErrProposalNotFound)
}

func TestNotify(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var (
		mu     sync.Mutex
		events []string
	)
	rules := Rules{CompoundThreshold: 2, BaseThreshold: 2, RejectThreshold: 2, CompoundExpiry: time.Hour, BaseExpiry: time.Hour}
	svc := New(db, vocab.New(db, nil), Options{
		Rules: rules,
		Notify: func(e Event) {
			mu.Lock()
			events = append(events, e.Action)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	p, _, err := svc.Propose(ctx, "alice", "TaskAck", "", taskAck())
	require.NoError(t, err)
	_, err = svc.Endorse(ctx, p.ID, "bob")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{ActionCreated, ActionEndorse, ActionAccepted}, events)
}

func TestParse(t *testing.T) {
	typ, err := ParseType(" Compound ")
	require.NoError(t, err)
	require.Equal(t, TypeCompound, typ)
	_, err = ParseType("glyph")
	require.ErrorIs(t, err, ErrInvalidProposal)

	st, err := ParseStatus("")
	require.NoError(t, err)
	require.Equal(t, Status(""), st)
	st, err = ParseStatus(" Pending ")
	require.NoError(t, err)
	require.Equal(t, StatusPending, st)
	_, err = ParseStatus("open")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestProposalJSONPayload(t *testing.T) {
	in := Proposal{
		ID:      "P007",
		Type:    TypeBase,
		Name:    "stake",
		Payload: Base{Domain: "defi", Keywords: []string{"stake", "lock"}},
		Status:  StatusPending,
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Proposal
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "P007", out.ID)
	require.Equal(t, Base{Domain: "defi", Keywords: []string{"stake", "lock"}}, out.Payload)

	var c Proposal
	require.NoError(t, json.Unmarshal([]byte(`{"id":"P008","type":"compound","payload":{"components":["Q01","R01"]}}`), &c))
	require.Equal(t, Compound{Components: []string{"Q01", "R01"}}, c.Payload)
}
