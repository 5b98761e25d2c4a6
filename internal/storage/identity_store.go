package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Identity CRUD ---

// UpsertIdentity creates or replaces an agent's identity record.
func (d *DB) UpsertIdentity(ctx context.Context, id *Identity) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO identities (name, tier, wallet, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET tier = excluded.tier, wallet = excluded.wallet`,
		id.Name, id.Tier, nullString(id.Wallet), id.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by agent name.
func (d *DB) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	id := &Identity{}
	var wallet sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT name, tier, wallet, registered_at FROM identities WHERE name = ?`, name,
	).Scan(&id.Name, &id.Tier, &wallet, &id.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	id.Wallet = wallet.String
	return id, nil
}

// ListIdentities returns all identity records.
func (d *DB) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, tier, wallet, registered_at FROM identities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		var wallet sql.NullString
		if err := rows.Scan(&id.Name, &id.Tier, &wallet, &id.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.Wallet = wallet.String
		out = append(out, id)
	}
	return out, rows.Err()
}
