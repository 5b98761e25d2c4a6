// internal/storage/models.go
package storage

// Proposal types.
const (
	ProposalCompound = "compound"
	ProposalBase     = "base"
)

// Proposal statuses.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusRejected   = "rejected"
	StatusExpired    = "expired"
	StatusSuperseded = "superseded"
)

// Vote sides.
const (
	SideEndorse = "endorse"
	SideReject  = "reject"
)

// Counter names. Each counter backs one identifier namespace.
const (
	CounterProposal = "P"
	CounterCompound = "XC"
	CounterBase     = "BG"
)

// Message is a recorded glyph message. Timestamps are unix milliseconds.
type Message struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	GlyphID        string            `json:"glyph_id"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	Payload        map[string]string `json:"payload,omitempty"`
	Blob           []byte            `json:"blob,omitempty"`
	Timestamp      int64             `json:"timestamp"`
	ContentHash    string            `json:"content_hash"`
	AttestationRef string            `json:"attestation_ref,omitempty"`
	RecordedAt     int64             `json:"recorded_at"`
}

// GlyphStat is the persisted usage record for one glyph.
type GlyphStat struct {
	GlyphID   string   `json:"glyph_id"`
	Count     int64    `json:"count"`
	FirstSeen int64    `json:"first_seen"`
	LastSeen  int64    `json:"last_seen"`
	Agents    []string `json:"agents"`
}

// AgentStat is the persisted activity record for one agent.
type AgentStat struct {
	Name         string   `json:"name"`
	MessageCount int64    `json:"message_count"`
	FirstSeen    int64    `json:"first_seen"`
	LastSeen     int64    `json:"last_seen"`
	GlyphsUsed   []string `json:"glyphs_used"`
}

// Sequence is a persisted ordered glyph pattern.
type Sequence struct {
	Key            string   `json:"key"`
	Count          int64    `json:"count"`
	FirstSeen      int64    `json:"first_seen"`
	LastSeen       int64    `json:"last_seen"`
	AgentsInvolved []string `json:"agents_involved"`
}

// Proposal is a persisted governance proposal. Compound proposals use
// Components; base proposals use Domain, Keywords and Meaning.
type Proposal struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Components   []string `json:"components,omitempty"`
	Domain       string   `json:"domain,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Meaning      string   `json:"meaning,omitempty"`
	Description  string   `json:"description"`
	Proposer     string   `json:"proposer"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
	Status       string   `json:"status"`
	Supersedes   string   `json:"supersedes,omitempty"`
	SupersededBy string   `json:"superseded_by,omitempty"`
	ItemID       string   `json:"item_id,omitempty"`
	ResolvedAt   int64    `json:"resolved_at,omitempty"`
	Votes        []Vote   `json:"votes"`
}

// Vote is one agent's vote on a proposal. Weight is fixed when cast.
type Vote struct {
	ProposalID string `json:"proposal_id"`
	Agent      string `json:"agent"`
	Side       string `json:"side"`
	Weight     int    `json:"weight"`
	CastAt     int64  `json:"cast_at"`
}

// VocabularyItem is an accepted vocabulary extension.
type VocabularyItem struct {
	ID               string   `json:"id"`
	Kind             string   `json:"kind"`
	Name             string   `json:"name"`
	Components       []string `json:"components,omitempty"`
	Domain           string   `json:"domain,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Meaning          string   `json:"meaning,omitempty"`
	Description      string   `json:"description"`
	SourceProposalID string   `json:"source_proposal_id"`
	CreatedAt        int64    `json:"created_at"`
	UseCount         int64    `json:"use_count"`
}

// AuditEntry records one governance action.
type AuditEntry struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Identity is an agent's verification record.
type Identity struct {
	Name         string `json:"name"`
	Tier         int    `json:"tier"`
	Wallet       string `json:"wallet,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
}
