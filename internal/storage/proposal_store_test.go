package storage

import (
	"context"
	"testing"
)

// seedProposal creates a pending compound proposal endorsed by its proposer.
func seedProposal(t *testing.T, db *DB, proposer string) *Proposal {
	t.Helper()
	ctx := context.Background()
	id, err := db.NextProposalID(ctx)
	if err != nil {
		t.Fatalf("NextProposalID: %v", err)
	}
	p := &Proposal{
		ID:          id,
		Type:        ProposalCompound,
		Name:        "TaskAck",
		Components:  []string{"T01", "A01"},
		Description: "task acknowledged",
		Proposer:    proposer,
		CreatedAt:   100,
		ExpiresAt:   1000,
		Status:      StatusPending,
		Votes: []Vote{
			{ProposalID: id, Agent: proposer, Side: SideEndorse, Weight: 1, CastAt: 100},
		},
	}
	audit := []AuditEntry{{ProposalID: id, Action: "proposed", Actor: proposer, CreatedAt: 100}}
	if err := db.CreateProposal(ctx, p, audit); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	return p
}

func TestCreateAndGetProposal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := seedProposal(t, db, "alice")
	if p.ID != "P001" {
		t.Fatalf("ID = %q, want P001", p.ID)
	}

	got, err := db.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Name != "TaskAck" || got.Status != StatusPending {
		t.Errorf("got %+v", got)
	}
	if len(got.Components) != 2 || got.Components[1] != "A01" {
		t.Errorf("Components = %v", got.Components)
	}
	if len(got.Votes) != 1 || got.Votes[0].Agent != "alice" {
		t.Errorf("Votes = %+v", got.Votes)
	}

	audit, err := db.ListAudit(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != "proposed" || audit[0].ID == "" {
		t.Errorf("audit = %+v", audit)
	}
}

func TestAddVote_UniquePerAgent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := seedProposal(t, db, "alice")

	v := Vote{ProposalID: p.ID, Agent: "bob", Side: SideReject, Weight: 2, CastAt: 110}
	if err := db.AddVote(ctx, v, AuditEntry{ProposalID: p.ID, Action: "rejected_vote", Actor: "bob", CreatedAt: 110}); err != nil {
		t.Fatalf("AddVote: %v", err)
	}
	v.Side = SideEndorse
	if err := db.AddVote(ctx, v, AuditEntry{ProposalID: p.ID, Action: "endorsed", Actor: "bob", CreatedAt: 111}); err == nil {
		t.Fatal("second vote from the same agent should fail")
	}
}

func TestResolveProposal_CompareAndSwap(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := seedProposal(t, db, "alice")

	ok, err := db.ResolveProposal(ctx, p.ID, StatusRejected, 200, AuditEntry{ProposalID: p.ID, Action: "rejected", Actor: "bob", CreatedAt: 200})
	if err != nil || !ok {
		t.Fatalf("ResolveProposal = %v, %v; want true, nil", ok, err)
	}
	ok, err = db.ResolveProposal(ctx, p.ID, StatusExpired, 300, AuditEntry{ProposalID: p.ID, Action: "expired", Actor: "system", CreatedAt: 300})
	if err != nil {
		t.Fatalf("ResolveProposal: %v", err)
	}
	if ok {
		t.Fatal("terminal proposal must not transition again")
	}

	got, err := db.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Status != StatusRejected || got.ResolvedAt != 200 {
		t.Errorf("status = %s resolved_at = %d", got.Status, got.ResolvedAt)
	}
	audit, _ := db.ListAudit(ctx, p.ID)
	if len(audit) != 2 {
		t.Errorf("audit entries = %d, want 2 (no entry for the lost CAS)", len(audit))
	}
}

func TestAcceptProposal_AllocatesNamespaceOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p1 := seedProposal(t, db, "alice")
	p2 := seedProposal(t, db, "bob")

	item := &VocabularyItem{Kind: ProposalCompound, Name: "TaskAck", Components: p1.Components, CreatedAt: 300}
	ok, err := db.AcceptProposal(ctx, p1.ID, item, 300, AuditEntry{ProposalID: p1.ID, Action: "accepted", Actor: "carol", CreatedAt: 300})
	if err != nil || !ok {
		t.Fatalf("AcceptProposal = %v, %v", ok, err)
	}
	if item.ID != "XC01" {
		t.Fatalf("item ID = %q, want XC01", item.ID)
	}

	again := &VocabularyItem{Kind: ProposalCompound, Name: "TaskAck", CreatedAt: 301}
	ok, err = db.AcceptProposal(ctx, p1.ID, again, 301, AuditEntry{ProposalID: p1.ID, Action: "accepted", Actor: "dave", CreatedAt: 301})
	if err != nil {
		t.Fatalf("AcceptProposal again: %v", err)
	}
	if ok || again.ID != "" {
		t.Fatalf("second accept should lose the CAS, got ok=%v id=%q", ok, again.ID)
	}

	base := &VocabularyItem{Kind: ProposalBase, Name: "Summarize", Keywords: []string{"summarize"}, Domain: "data", CreatedAt: 302}
	if ok, err := db.AcceptProposal(ctx, p2.ID, base, 302, AuditEntry{ProposalID: p2.ID, Action: "accepted", Actor: "erin", CreatedAt: 302}); err != nil || !ok {
		t.Fatalf("AcceptProposal base = %v, %v", ok, err)
	}
	if base.ID != "BG01" {
		t.Fatalf("base item ID = %q, want BG01", base.ID)
	}

	items, err := db.ListVocabulary(ctx)
	if err != nil {
		t.Fatalf("ListVocabulary: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d vocabulary items, want 2", len(items))
	}
	got, _ := db.GetProposal(ctx, p1.ID)
	if got.Status != StatusAccepted || got.ItemID != "XC01" {
		t.Errorf("proposal = %+v", got)
	}
}

func TestSupersedeProposal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	old := seedProposal(t, db, "alice")

	nextID, err := db.NextProposalID(ctx)
	if err != nil {
		t.Fatalf("NextProposalID: %v", err)
	}
	next := &Proposal{
		ID: nextID, Type: ProposalCompound, Name: "TaskAck2", Components: []string{"T01", "R01"},
		Proposer: "alice", CreatedAt: 150, ExpiresAt: 1500, Status: StatusPending, Supersedes: old.ID,
		Votes: []Vote{{ProposalID: nextID, Agent: "alice", Side: SideEndorse, Weight: 1, CastAt: 150}},
	}
	ok, err := db.SupersedeProposal(ctx, old.ID, next, 150, []AuditEntry{
		{ProposalID: old.ID, Action: "superseded", Actor: "alice", CreatedAt: 150},
		{ProposalID: nextID, Action: "proposed", Actor: "alice", CreatedAt: 150},
	})
	if err != nil || !ok {
		t.Fatalf("SupersedeProposal = %v, %v", ok, err)
	}

	gotOld, _ := db.GetProposal(ctx, old.ID)
	if gotOld.Status != StatusSuperseded || gotOld.SupersededBy != nextID {
		t.Errorf("old = %+v", gotOld)
	}
	gotNext, _ := db.GetProposal(ctx, nextID)
	if gotNext.Supersedes != old.ID || len(gotNext.Votes) != 1 {
		t.Errorf("next = %+v", gotNext)
	}

	pending, err := db.ListProposals(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != nextID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestIncrementVocabularyUse(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := seedProposal(t, db, "alice")
	item := &VocabularyItem{Kind: ProposalCompound, Name: "TaskAck", CreatedAt: 1}
	if _, err := db.AcceptProposal(ctx, p.ID, item, 1, AuditEntry{ProposalID: p.ID, Action: "accepted", Actor: "x", CreatedAt: 1}); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.IncrementVocabularyUse(ctx, item.ID); err != nil {
			t.Fatalf("IncrementVocabularyUse: %v", err)
		}
	}
	if err := db.IncrementVocabularyUse(ctx, "XC99"); err == nil {
		t.Fatal("expected error for unknown item")
	}
	items, _ := db.ListVocabulary(ctx)
	if items[0].UseCount != 3 {
		t.Errorf("UseCount = %d, want 3", items[0].UseCount)
	}
}

func TestIdentityUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertIdentity(ctx, &Identity{Name: "alice", Tier: 1, RegisteredAt: 5}); err != nil {
		t.Fatalf("UpsertIdentity: %v", err)
	}
	if err := db.UpsertIdentity(ctx, &Identity{Name: "alice", Tier: 2, Wallet: "0xabc", RegisteredAt: 9}); err != nil {
		t.Fatalf("UpsertIdentity: %v", err)
	}
	got, err := db.GetIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.Tier != 2 || got.Wallet != "0xabc" || got.RegisteredAt != 5 {
		t.Errorf("identity = %+v", got)
	}
	all, _ := db.ListIdentities(ctx)
	if len(all) != 1 {
		t.Errorf("ListIdentities = %d, want 1", len(all))
	}
}
