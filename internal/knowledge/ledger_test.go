package knowledge

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/agora/internal/storage"
)

type fakeVocab struct {
	mu    sync.Mutex
	known map[string]bool
	uses  map[string]int
}

func newFakeVocab(ids ...string) *fakeVocab {
	v := &fakeVocab{known: map[string]bool{}, uses: map[string]int{}}
	for _, id := range ids {
		v.known[id] = true
	}
	return v
}

func (v *fakeVocab) Known(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.known[id]
}

func (v *fakeVocab) RecordUse(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uses[id]++
	return nil
}

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLedger(t *testing.T, vocab Vocabulary) (*Ledger, *storage.DB) {
	t.Helper()
	db := testDB(t)
	return NewLedger(db, vocab, NewSequenceDetector(0, 0), nil), db
}

func msg(glyphID, sender, recipient string, at time.Time) Message {
	return Message{GlyphID: glyphID, Sender: sender, Recipient: recipient, Timestamp: at}
}

func TestRecordMessageUpdatesIndices(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	_, err := l.RecordMessage(ctx, msg("t01", "alice", "bob", t0))
	require.NoError(t, err)
	_, err = l.RecordMessage(ctx, msg("T01", "carol", "agora", t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = l.RecordMessage(ctx, msg("R01", "alice", "carol", t0.Add(2*time.Minute)))
	require.NoError(t, err)

	c := l.Counts()
	require.Equal(t, int64(3), c.TotalMessages)
	require.Equal(t, int64(2), c.TotalGlyphsUsed)
	require.Equal(t, int64(2), c.ActiveAgents)

	g, ok := l.GlyphStat("T01")
	require.True(t, ok)
	require.Equal(t, int64(2), g.Count)
	require.Equal(t, []string{"alice", "carol"}, g.Agents.Sorted())
	require.True(t, g.FirstSeen.Equal(t0))
	require.True(t, g.LastSeen.Equal(t0.Add(time.Minute)))

	a, ok := l.Agent("alice")
	require.True(t, ok)
	require.Equal(t, int64(2), a.MessageCount)
	require.Equal(t, []string{"R01", "T01"}, a.GlyphsUsed.Sorted())
}

func TestStatsAreMonotonic(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	_, err := l.RecordMessage(ctx, msg("Q01", "alice", "agora", t0))
	require.NoError(t, err)
	before, _ := l.GlyphStat("Q01")

	// An older timestamp moves FirstSeen back but never LastSeen.
	_, err = l.RecordMessage(ctx, msg("Q01", "bob", "agora", t0.Add(-time.Hour)))
	require.NoError(t, err)
	after, _ := l.GlyphStat("Q01")

	require.Greater(t, after.Count, before.Count)
	require.True(t, after.LastSeen.Equal(before.LastSeen))
	require.True(t, after.FirstSeen.Before(before.FirstSeen))
	require.Len(t, after.Agents, 2)
}

func TestUnknownGlyphNotCounted(t *testing.T) {
	l, db := testLedger(t, nil)
	ctx := context.Background()

	_, err := l.RecordMessage(ctx, msg("Z99", "alice", "bob", time.Now()))
	require.ErrorIs(t, err, ErrUnknownGlyph)

	require.Equal(t, Counts{}, l.Counts())
	_, ok := l.GlyphStat("Z99")
	require.False(t, ok)
	n, err := db.CountMessages(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecordMessageValidation(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()

	big := map[string]string{"k": strings.Repeat("x", MaxPayloadValue+1)}
	tooMany := map[string]string{}
	for i := 0; i <= MaxPayloadKeys; i++ {
		tooMany[string(rune('a'+i%26))+strings.Repeat("z", i)] = "v"
	}

	cases := []struct {
		name string
		m    Message
	}{
		{"no sender", Message{GlyphID: "Q01", Recipient: "bob"}},
		{"no recipient", Message{GlyphID: "Q01", Sender: "alice"}},
		{"no glyph", Message{Sender: "alice", Recipient: "bob"}},
		{"value too large", Message{GlyphID: "Q01", Sender: "alice", Recipient: "bob", Payload: big}},
		{"too many keys", Message{GlyphID: "Q01", Sender: "alice", Recipient: "bob", Payload: tooMany}},
		{"blob too large", Message{GlyphID: "Q01", Sender: "alice", Recipient: "bob", Blob: make([]byte, MaxBlobSize+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.RecordMessage(ctx, tc.m)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
	require.Zero(t, l.Counts().TotalMessages)
}

func TestDuplicateHashRecordedOnce(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()

	m := msg("A01", "alice", "bob", time.Now())
	m.ContentHash = "hash-1"
	first, err := l.RecordMessage(ctx, m)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	m.GlyphID = "N01"
	second, err := l.RecordMessage(ctx, m)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Message.ID, second.Message.ID)
	require.Equal(t, "A01", second.Message.GlyphID)

	require.Equal(t, int64(1), l.Counts().TotalMessages)
	_, ok := l.GlyphStat("N01")
	require.False(t, ok)
}

func TestComputedHashesAreUnique(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	a, err := l.RecordMessage(ctx, msg("A01", "alice", "bob", at))
	require.NoError(t, err)
	b, err := l.RecordMessage(ctx, msg("A01", "alice", "bob", at))
	require.NoError(t, err)
	require.NotEqual(t, a.Message.ContentHash, b.Message.ContentHash)
	require.Len(t, a.Message.ContentHash, 64)
}

func TestExtensionGlyphs(t *testing.T) {
	vocab := newFakeVocab("XC01")
	l, _ := testLedger(t, vocab)
	ctx := context.Background()

	_, err := l.RecordMessage(ctx, msg("xc01", "alice", "agora", time.Now()))
	require.NoError(t, err)
	_, err = l.RecordMessage(ctx, msg("XC02", "alice", "agora", time.Now()))
	require.ErrorIs(t, err, ErrUnknownGlyph)
	_, err = l.RecordMessage(ctx, msg("T01", "alice", "agora", time.Now()))
	require.NoError(t, err)

	require.Equal(t, map[string]int{"XC01": 1}, vocab.uses)
}

func TestTimelineAndGetMessage(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	var hashes []string
	for i, g := range []string{"Q01", "R01", "E01"} {
		r, err := l.RecordMessage(ctx, msg(g, "alice", "agora", at.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		hashes = append(hashes, r.Message.ContentHash)
	}

	page, err := l.Timeline(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "E01", page[0].GlyphID)
	require.Equal(t, "R01", page[1].GlyphID)

	rest, err := l.Timeline(ctx, 10, page[1].Seq)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "Q01", rest[0].GlyphID)

	got, err := l.GetMessage(ctx, hashes[1])
	require.NoError(t, err)
	require.Equal(t, "R01", got.GlyphID)
	require.True(t, got.Timestamp.Equal(at.Add(time.Second)))

	_, err = l.GetMessage(ctx, "missing")
	require.ErrorIs(t, err, ErrMessageNotFound)

	require.NoError(t, l.SetAttestation(ctx, hashes[0], "tx-1"))
	got, err = l.GetMessage(ctx, hashes[0])
	require.NoError(t, err)
	require.Equal(t, "tx-1", got.AttestationRef)
	require.ErrorIs(t, l.SetAttestation(ctx, "missing", "tx"), ErrMessageNotFound)
}

func TestLoadRestoresIndices(t *testing.T) {
	l, db := testLedger(t, nil)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	_, err := l.RecordMessage(ctx, msg("T01", "alice", "bob", at))
	require.NoError(t, err)
	_, err = l.RecordMessage(ctx, msg("R01", "bob", "alice", at.Add(time.Second)))
	require.NoError(t, err)

	reloaded := NewLedger(db, nil, nil, nil)
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, l.Counts(), reloaded.Counts())

	p, ok := reloaded.Sequences().Pattern("T01>R01")
	require.True(t, ok)
	require.Equal(t, int64(1), p.Count)
	require.Equal(t, []string{"alice", "bob"}, p.AgentsInvolved.Sorted())

	a, ok := reloaded.Agent("bob")
	require.True(t, ok)
	require.Equal(t, []string{"R01"}, a.GlyphsUsed.Sorted())
}

func TestConcurrentRecordsCountEveryMessage(t *testing.T) {
	l, _ := testLedger(t, nil)
	ctx := context.Background()

	const senders, each = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			for j := 0; j < each; j++ {
				_, err := l.RecordMessage(ctx, msg("S01", name, "agora", time.Now()))
				if err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(senders*each), l.Counts().TotalMessages)
	g, _ := l.GlyphStat("S01")
	require.Equal(t, int64(senders*each), g.Count)
	require.Len(t, g.Agents, senders)
	require.Equal(t, int64(senders), l.Counts().ActiveAgents)
}
