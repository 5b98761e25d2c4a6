package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Vocabulary extensions ---

// ListVocabulary returns every accepted vocabulary item in creation order.
func (d *DB) ListVocabulary(ctx context.Context) ([]VocabularyItem, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, kind, name, payload, description, source_proposal_id, created_at, use_count
		 FROM vocabulary ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list vocabulary: %w", err)
	}
	defer rows.Close()

	var items []VocabularyItem
	for rows.Next() {
		var it VocabularyItem
		var payload string
		var description sql.NullString
		if err := rows.Scan(&it.ID, &it.Kind, &it.Name, &payload, &description,
			&it.SourceProposalID, &it.CreatedAt, &it.UseCount); err != nil {
			return nil, fmt.Errorf("scan vocabulary item: %w", err)
		}
		var pl proposalPayload
		if err := json.Unmarshal([]byte(payload), &pl); err != nil {
			return nil, fmt.Errorf("decode vocabulary payload: %w", err)
		}
		it.Components = pl.Components
		it.Domain = pl.Domain
		it.Keywords = pl.Keywords
		it.Meaning = pl.Meaning
		it.Description = description.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// IncrementVocabularyUse bumps the use counter of an accepted item.
func (d *DB) IncrementVocabularyUse(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE vocabulary SET use_count = use_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment vocabulary use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment vocabulary use rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("increment vocabulary use: %w", sql.ErrNoRows)
	}
	return nil
}

func insertVocabularyItem(ctx context.Context, tx *sql.Tx, it *VocabularyItem) error {
	payload, err := json.Marshal(proposalPayload{
		Components: it.Components,
		Domain:     it.Domain,
		Keywords:   it.Keywords,
		Meaning:    it.Meaning,
	})
	if err != nil {
		return fmt.Errorf("encode vocabulary payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO vocabulary (id, kind, name, payload, description, source_proposal_id, created_at, use_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		it.ID, it.Kind, it.Name, string(payload), it.Description, it.SourceProposalID, it.CreatedAt)
	return err
}
