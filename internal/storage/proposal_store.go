package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// proposalPayload is the serialized form of the type-specific proposal fields.
type proposalPayload struct {
	Components []string `json:"components,omitempty"`
	Domain     string   `json:"domain,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Meaning    string   `json:"meaning,omitempty"`
}

// FormatID renders the n-th identifier of a namespace, e.g. P001 or XC01.
func FormatID(namespace string, n int64) string {
	if namespace == CounterProposal {
		return fmt.Sprintf("%s%03d", namespace, n)
	}
	return fmt.Sprintf("%s%02d", namespace, n)
}

// --- Proposal CRUD ---

// NextProposalID allocates the next identifier in the proposal namespace.
func (d *DB) NextProposalID(ctx context.Context) (string, error) {
	n, err := d.NextCounter(ctx, CounterProposal)
	if err != nil {
		return "", err
	}
	return FormatID(CounterProposal, n), nil
}

// CreateProposal inserts a proposal, its initial votes and audit entries.
func (d *DB) CreateProposal(ctx context.Context, p *Proposal, audit []AuditEntry) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		return insertProposal(ctx, tx, p, audit)
	})
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

// AddVote records a vote together with its audit entry.
func (d *DB) AddVote(ctx context.Context, v Vote, audit AuditEntry) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertVote(ctx, tx, v); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return fmt.Errorf("add vote: %w", err)
	}
	return nil
}

// ResolveProposal moves a pending proposal to a terminal status. It reports
// false when the proposal was no longer pending, in which case nothing is
// written.
func (d *DB) ResolveProposal(ctx context.Context, id, status string, resolvedAt int64, audit AuditEntry) (bool, error) {
	var ok bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = casStatus(ctx, tx, id, status, resolvedAt, "")
		if err != nil || !ok {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, fmt.Errorf("resolve proposal %s: %w", id, err)
	}
	return ok, nil
}

// AcceptProposal atomically marks a pending proposal accepted, allocates the
// next identifier in the item's namespace, and stores the vocabulary item.
// It reports false when the proposal was no longer pending.
func (d *DB) AcceptProposal(ctx context.Context, id string, item *VocabularyItem, resolvedAt int64, audit AuditEntry) (bool, error) {
	namespace := CounterCompound
	if item.Kind == ProposalBase {
		namespace = CounterBase
	}
	var ok bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = casStatus(ctx, tx, id, StatusAccepted, resolvedAt, "")
		if err != nil || !ok {
			return err
		}
		n, err := nextCounter(ctx, tx, namespace)
		if err != nil {
			return fmt.Errorf("allocate %s id: %w", namespace, err)
		}
		item.ID = FormatID(namespace, n)
		item.SourceProposalID = id
		if err := insertVocabularyItem(ctx, tx, item); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proposals SET item_id = ? WHERE id = ?`, item.ID, id); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		item.ID = ""
		return false, fmt.Errorf("accept proposal %s: %w", id, err)
	}
	if !ok {
		item.ID = ""
	}
	return ok, nil
}

// SupersedeProposal marks the pending proposal oldID superseded by next and
// inserts next with its votes. It reports false when oldID was no longer
// pending.
func (d *DB) SupersedeProposal(ctx context.Context, oldID string, next *Proposal, resolvedAt int64, audit []AuditEntry) (bool, error) {
	var ok bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = casStatus(ctx, tx, oldID, StatusSuperseded, resolvedAt, next.ID)
		if err != nil || !ok {
			return err
		}
		return insertProposal(ctx, tx, next, audit)
	})
	if err != nil {
		return false, fmt.Errorf("supersede proposal %s: %w", oldID, err)
	}
	return ok, nil
}

// GetProposal retrieves a proposal and its votes.
func (d *DB) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	votes, err := d.listVotes(ctx, `WHERE proposal_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get proposal votes: %w", err)
	}
	row := d.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	p.Votes = votes[p.ID]
	return p, nil
}

// ListProposals returns proposals in creation order, optionally filtered by
// status ("" for all).
func (d *DB) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	votes, err := d.listVotes(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list proposal votes: %w", err)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Votes = votes[p.ID]
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListAudit returns the audit trail for a proposal, oldest first.
func (d *DB) ListAudit(ctx context.Context, proposalID string) ([]AuditEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, proposal_id, action, actor, detail, created_at
		 FROM audit_log WHERE proposal_id = ? ORDER BY seq`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var a AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.Action, &a.Actor, &detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

const proposalColumns = `id, type, name, payload, description, proposer, created_at, expires_at, status, supersedes, superseded_by, item_id, resolved_at`

func scanProposal(s rowScanner) (*Proposal, error) {
	p := &Proposal{}
	var payload string
	var description, supersedes, supersededBy, itemID sql.NullString
	var resolvedAt sql.NullInt64
	if err := s.Scan(&p.ID, &p.Type, &p.Name, &payload, &description, &p.Proposer,
		&p.CreatedAt, &p.ExpiresAt, &p.Status, &supersedes, &supersededBy, &itemID, &resolvedAt); err != nil {
		return nil, err
	}
	var pl proposalPayload
	if err := json.Unmarshal([]byte(payload), &pl); err != nil {
		return nil, fmt.Errorf("decode proposal payload: %w", err)
	}
	p.Components = pl.Components
	p.Domain = pl.Domain
	p.Keywords = pl.Keywords
	p.Meaning = pl.Meaning
	p.Description = description.String
	p.Supersedes = supersedes.String
	p.SupersededBy = supersededBy.String
	p.ItemID = itemID.String
	p.ResolvedAt = resolvedAt.Int64
	return p, nil
}

func (d *DB) listVotes(ctx context.Context, where string, args ...any) (map[string][]Vote, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT proposal_id, agent, side, weight, cast_at FROM votes `+where+` ORDER BY cast_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Vote)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ProposalID, &v.Agent, &v.Side, &v.Weight, &v.CastAt); err != nil {
			return nil, err
		}
		out[v.ProposalID] = append(out[v.ProposalID], v)
	}
	return out, rows.Err()
}

func insertProposal(ctx context.Context, tx *sql.Tx, p *Proposal, audit []AuditEntry) error {
	payload, err := json.Marshal(proposalPayload{
		Components: p.Components,
		Domain:     p.Domain,
		Keywords:   p.Keywords,
		Meaning:    p.Meaning,
	})
	if err != nil {
		return fmt.Errorf("encode proposal payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proposals (id, type, name, payload, description, proposer, created_at, expires_at, status, supersedes, superseded_by, item_id, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
		p.ID, p.Type, p.Name, string(payload), p.Description, p.Proposer,
		p.CreatedAt, p.ExpiresAt, p.Status, nullString(p.Supersedes),
	); err != nil {
		return err
	}
	for _, v := range p.Votes {
		if err := insertVote(ctx, tx, v); err != nil {
			return err
		}
	}
	for _, a := range audit {
		if err := insertAudit(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

func insertVote(ctx context.Context, tx *sql.Tx, v Vote) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO votes (proposal_id, agent, side, weight, cast_at) VALUES (?, ?, ?, ?, ?)`,
		v.ProposalID, v.Agent, v.Side, v.Weight, v.CastAt)
	return err
}

func insertAudit(ctx context.Context, tx *sql.Tx, a AuditEntry) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, proposal_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProposalID, a.Action, a.Actor, nullString(a.Detail), a.CreatedAt)
	return err
}

// casStatus is the compare-and-swap on proposal status: it only moves a
// proposal that is still pending.
func casStatus(ctx context.Context, tx *sql.Tx, id, status string, resolvedAt int64, supersededBy string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = ?, resolved_at = ?, superseded_by = ?
		 WHERE id = ? AND status = ?`,
		status, resolvedAt, nullString(supersededBy), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
