package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Message ledger ---

const messageColumns = `seq, id, glyph_id, sender, recipient, payload, blob, timestamp, content_hash, attestation_ref, recorded_at`

// InsertMessage appends a message to the ledger and sets m.Seq. It reports
// false without error when a message with the same content hash already
// exists; the ledger is append-only, so the existing row wins.
func (d *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	var payload sql.NullString
	if len(m.Payload) > 0 {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return false, fmt.Errorf("insert message: encode payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (id, glyph_id, sender, recipient, payload, blob, timestamp, content_hash, attestation_ref, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		m.ID, m.GlyphID, m.Sender, m.Recipient, payload, m.Blob,
		m.Timestamp, m.ContentHash, nullString(m.AttestationRef), m.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert message last id: %w", err)
	}
	m.Seq = seq
	return true, nil
}

// GetMessageByHash retrieves a message by its content hash.
func (d *DB) GetMessageByHash(ctx context.Context, hash string) (*Message, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE content_hash = ?`, hash)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns up to limit messages in reverse ledger order. When
// beforeSeq is positive only messages with a smaller sequence are returned.
func (d *DB) ListMessages(ctx context.Context, limit int, beforeSeq int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
	args := []any{}
	if beforeSeq > 0 {
		query += ` WHERE seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in the ledger.
func (d *DB) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SetMessageAttestation stores the external attestation reference for a message.
func (d *DB) SetMessageAttestation(ctx context.Context, hash, ref string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET attestation_ref = ? WHERE content_hash = ?`, ref, hash)
	if err != nil {
		return fmt.Errorf("set message attestation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set message attestation rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set message attestation: %w", sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	m := &Message{}
	var payload, attestation sql.NullString
	if err := s.Scan(&m.Seq, &m.ID, &m.GlyphID, &m.Sender, &m.Recipient, &payload,
		&m.Blob, &m.Timestamp, &m.ContentHash, &attestation, &m.RecordedAt); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	m.AttestationRef = attestation.String
	return m, nil
}
