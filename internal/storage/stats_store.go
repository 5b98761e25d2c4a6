package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Derived indices ---
//
// Every Touch* call is an increment-and-touch: the count grows by one,
// first_seen keeps the minimum and last_seen the maximum timestamp seen, and
// the member set only grows.

// TouchGlyph records one use of glyphID by agent at ts.
func (d *DB) TouchGlyph(ctx context.Context, glyphID, agent string, ts int64) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO glyph_stats (glyph_id, count, first_seen, last_seen) VALUES (?, 1, ?, ?)
			 ON CONFLICT(glyph_id) DO UPDATE SET
			   count = count + 1,
			   first_seen = min(first_seen, excluded.first_seen),
			   last_seen = max(last_seen, excluded.last_seen)`,
			glyphID, ts, ts,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO glyph_agents (glyph_id, agent) VALUES (?, ?)`, glyphID, agent)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch glyph %s: %w", glyphID, err)
	}
	return nil
}

// TouchAgent records one message sent by name using glyphID at ts.
func (d *DB) TouchAgent(ctx context.Context, name, glyphID string, ts int64) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_stats (name, message_count, first_seen, last_seen) VALUES (?, 1, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   message_count = message_count + 1,
			   first_seen = min(first_seen, excluded.first_seen),
			   last_seen = max(last_seen, excluded.last_seen)`,
			name, ts, ts,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_glyphs (name, glyph_id) VALUES (?, ?)`, name, glyphID)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", name, err)
	}
	return nil
}

// TouchSequence records one occurrence of the sequence key involving agents.
func (d *DB) TouchSequence(ctx context.Context, key string, agents []string, ts int64) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences (key, count, first_seen, last_seen) VALUES (?, 1, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   count = count + 1,
			   first_seen = min(first_seen, excluded.first_seen),
			   last_seen = max(last_seen, excluded.last_seen)`,
			key, ts, ts,
		); err != nil {
			return err
		}
		for _, a := range agents {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO sequence_agents (key, agent) VALUES (?, ?)`, key, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch sequence %s: %w", key, err)
	}
	return nil
}

// ListGlyphStats returns every glyph stat with its agent set.
func (d *DB) ListGlyphStats(ctx context.Context) ([]GlyphStat, error) {
	members, err := d.members(ctx, `SELECT glyph_id, agent FROM glyph_agents ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("list glyph agents: %w", err)
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT glyph_id, count, first_seen, last_seen FROM glyph_stats ORDER BY glyph_id`)
	if err != nil {
		return nil, fmt.Errorf("list glyph stats: %w", err)
	}
	defer rows.Close()

	var stats []GlyphStat
	for rows.Next() {
		var s GlyphStat
		if err := rows.Scan(&s.GlyphID, &s.Count, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan glyph stat: %w", err)
		}
		s.Agents = members[s.GlyphID]
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ListAgentStats returns every agent stat with its glyph set.
func (d *DB) ListAgentStats(ctx context.Context) ([]AgentStat, error) {
	members, err := d.members(ctx, `SELECT name, glyph_id FROM agent_glyphs ORDER BY glyph_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent glyphs: %w", err)
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, message_count, first_seen, last_seen FROM agent_stats ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agent stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStat
	for rows.Next() {
		var s AgentStat
		if err := rows.Scan(&s.Name, &s.MessageCount, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent stat: %w", err)
		}
		s.GlyphsUsed = members[s.Name]
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ListSequences returns every sequence pattern with its agent set.
func (d *DB) ListSequences(ctx context.Context) ([]Sequence, error) {
	members, err := d.members(ctx, `SELECT key, agent FROM sequence_agents ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("list sequence agents: %w", err)
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, count, first_seen, last_seen FROM sequences ORDER BY count DESC, key`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Key, &s.Count, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		s.AgentsInvolved = members[s.Key]
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

// members runs a two-column (owner, member) query and groups it by owner.
func (d *DB) members(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var owner, member string
		if err := rows.Scan(&owner, &member); err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], member)
	}
	return out, rows.Err()
}
