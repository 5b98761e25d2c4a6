package knowledge

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/agora/internal/glyph"
)

// Sequence detector defaults.
const (
	DefaultBufferSize = 5
	DefaultWindow     = 30 * time.Second
)

// sequenceSep joins the two glyph IDs of a pattern key, as in "T01>R01".
const sequenceSep = ">"

// SequencePattern is an ordered glyph pair observed as a likely exchange.
type SequencePattern struct {
	Key            string    `json:"key"`
	Count          int64     `json:"count"`
	AgentsInvolved Set       `json:"agents_involved"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Components splits the pattern key into its glyph IDs.
func (p SequencePattern) Components() []string {
	return SplitSequenceKey(p.Key)
}

// SequenceKey builds the pattern key for earlier followed by later.
func SequenceKey(earlier, later string) string {
	return earlier + sequenceSep + later
}

// SplitSequenceKey is the inverse of SequenceKey.
func SplitSequenceKey(key string) []string {
	return strings.Split(key, sequenceSep)
}

// Occurrence is one pattern observation produced by Observe.
type Occurrence struct {
	Key    string
	Agents []string
	At     time.Time
}

type observed struct {
	glyphID   string
	sender    string
	recipient string
	at        time.Time
}

type thread struct {
	mu      sync.Mutex
	recent  []observed
	touched time.Time
}

// SequenceDetector keeps a short buffer of recent messages per conversation
// thread and counts glyph pairs that look like a reply. It is a heuristic:
// it exists to suggest compound proposals, not to be exact.
type SequenceDetector struct {
	size   int
	window time.Duration
	now    func() time.Time

	threads  *shardedMap[thread]
	patterns *statIndex
	distinct atomic.Int64
}

// NewSequenceDetector creates a detector keeping size messages per thread
// and pairing messages at most window apart. Non-positive values fall back
// to the defaults.
func NewSequenceDetector(size int, window time.Duration) *SequenceDetector {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SequenceDetector{
		size:     size,
		window:   window,
		now:      time.Now,
		threads:  newShardedMap[thread](),
		patterns: newStatIndex(),
	}
}

// Window returns the pairing window.
func (d *SequenceDetector) Window() time.Duration { return d.window }

// threadKey groups direct messages by the unordered agent pair and public
// messages by their sender.
func threadKey(sender, recipient string) string {
	if recipient == glyph.PublicChannel {
		return "pub:" + sender
	}
	a, b := sender, recipient
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + "\x00" + b
}

// Observe feeds one recorded message to the detector and returns the
// patterns it completed.
func (d *SequenceDetector) Observe(m Message) []Occurrence {
	cur := observed{glyphID: m.GlyphID, sender: m.Sender, recipient: m.Recipient, at: m.Timestamp}
	th, _ := d.threads.getOrCreate(threadKey(m.Sender, m.Recipient), func() *thread { return &thread{} })

	th.mu.Lock()
	var found []Occurrence
	for _, prev := range th.recent {
		age := cur.at.Sub(prev.at)
		if age < 0 || age > d.window {
			continue
		}
		if !isReply(prev, cur) {
			continue
		}
		found = append(found, Occurrence{
			Key:    SequenceKey(prev.glyphID, cur.glyphID),
			Agents: distinctAgents(prev.sender, cur.sender),
			At:     cur.at,
		})
	}
	th.recent = append(th.recent, cur)
	if len(th.recent) > d.size {
		th.recent = append(th.recent[:0], th.recent[len(th.recent)-d.size:]...)
	}
	th.touched = d.now()
	th.mu.Unlock()

	for _, o := range found {
		if d.patterns.touch(o.Key, o.At, o.Agents...) {
			d.distinct.Add(1)
		}
	}
	return found
}

func isReply(earlier, later observed) bool {
	if earlier.recipient == later.sender {
		return true
	}
	return earlier.recipient == glyph.PublicChannel && later.recipient == glyph.PublicChannel
}

func distinctAgents(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

// Evict drops thread buffers that have been idle longer than idle and
// returns how many were removed.
func (d *SequenceDetector) Evict(idle time.Duration) int {
	cutoff := d.now().Add(-idle)
	var stale []string
	d.threads.each(func(key string, th *thread) {
		th.mu.Lock()
		if th.touched.Before(cutoff) {
			stale = append(stale, key)
		}
		th.mu.Unlock()
	})
	for _, key := range stale {
		d.threads.remove(key)
	}
	return len(stale)
}

// Threads returns the number of live thread buffers.
func (d *SequenceDetector) Threads() int {
	n := 0
	d.threads.each(func(string, *thread) { n++ })
	return n
}

// Count returns the number of distinct patterns detected.
func (d *SequenceDetector) Count() int64 {
	return d.distinct.Load()
}

// Patterns returns every detected pattern, most frequent first.
func (d *SequenceDetector) Patterns() []SequencePattern {
	views := d.patterns.all()
	out := make([]SequencePattern, 0, len(views))
	for _, v := range views {
		out = append(out, v.sequencePattern())
	}
	return out
}

// Pattern returns the pattern with the given key.
func (d *SequenceDetector) Pattern(key string) (SequencePattern, bool) {
	v, ok := d.patterns.get(key)
	if !ok {
		return SequencePattern{}, false
	}
	return keyedView{key: key, counterView: v}.sequencePattern(), true
}

// Suggestions returns patterns seen at least minCount times by at least
// minAgents distinct agents. accepted filters out patterns whose components
// already form an accepted compound; it may be nil.
func (d *SequenceDetector) Suggestions(minCount int64, minAgents int, accepted func(components []string) bool) []SequencePattern {
	var out []SequencePattern
	for _, p := range d.Patterns() {
		if p.Count < minCount || len(p.AgentsInvolved) < minAgents {
			continue
		}
		if accepted != nil && accepted(p.Components()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (d *SequenceDetector) restore(key string, count int64, first, last time.Time, agents []string) {
	if _, ok := d.patterns.get(key); !ok {
		d.distinct.Add(1)
	}
	d.patterns.restore(key, count, first, last, agents)
}

func (v keyedView) sequencePattern() SequencePattern {
	return SequencePattern{Key: v.key, Count: v.count, AgentsInvolved: v.members, FirstSeen: v.firstSeen, LastSeen: v.lastSeen}
}
