package knowledge

import (
	"sort"
	"sync"
	"time"
)

// GlyphStat summarizes how often a glyph has been used and by whom.
type GlyphStat struct {
	GlyphID   string    `json:"glyph_id"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Agents    Set       `json:"agents"`
}

// AgentStat summarizes one agent's activity.
type AgentStat struct {
	Name         string    `json:"name"`
	MessageCount int64     `json:"message_count"`
	GlyphsUsed   Set       `json:"glyphs_used"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// counter is a monotonic count with a seen-window and a member set.
// Counts only grow, FirstSeen only moves back and LastSeen only moves
// forward, so concurrent touches commute.
type counter struct {
	mu        sync.Mutex
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	members   Set
}

func newCounter() *counter {
	return &counter{members: make(Set)}
}

// touch adds one occurrence at ts with the given members.
func (c *counter) touch(ts time.Time, members ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.firstSeen.IsZero() || ts.Before(c.firstSeen) {
		c.firstSeen = ts
	}
	if ts.After(c.lastSeen) {
		c.lastSeen = ts
	}
	for _, m := range members {
		c.members.Add(m)
	}
}

// restore seeds the counter from persisted state.
func (c *counter) restore(count int64, first, last time.Time, members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = count
	c.firstSeen = first
	c.lastSeen = last
	for _, m := range members {
		c.members.Add(m)
	}
}

type counterView struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	members   Set
}

func (c *counter) view() counterView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return counterView{
		count:     c.count,
		firstSeen: c.firstSeen,
		lastSeen:  c.lastSeen,
		members:   c.members.Clone(),
	}
}

// statIndex is a sharded map of counters keyed by glyph, agent or pattern.
type statIndex struct {
	m *shardedMap[counter]
}

func newStatIndex() *statIndex {
	return &statIndex{m: newShardedMap[counter]()}
}

// touch records an occurrence for key and reports whether key was new.
func (x *statIndex) touch(key string, ts time.Time, members ...string) bool {
	c, created := x.m.getOrCreate(key, newCounter)
	c.touch(ts, members...)
	return created
}

func (x *statIndex) restore(key string, count int64, first, last time.Time, members []string) {
	c := newCounter()
	c.restore(count, first, last, members)
	x.m.put(key, c)
}

func (x *statIndex) get(key string) (counterView, bool) {
	c, ok := x.m.get(key)
	if !ok {
		return counterView{}, false
	}
	return c.view(), true
}

type keyedView struct {
	key string
	counterView
}

// all returns every counter, highest count first, ties by key.
func (x *statIndex) all() []keyedView {
	var out []keyedView
	x.m.each(func(key string, c *counter) {
		out = append(out, keyedView{key: key, counterView: c.view()})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	return out
}

func (v keyedView) glyphStat() GlyphStat {
	return GlyphStat{GlyphID: v.key, Count: v.count, FirstSeen: v.firstSeen, LastSeen: v.lastSeen, Agents: v.members}
}

func (v keyedView) agentStat() AgentStat {
	return AgentStat{Name: v.key, MessageCount: v.count, GlyphsUsed: v.members, FirstSeen: v.firstSeen, LastSeen: v.lastSeen}
}
