// Package knowledge keeps the append-only message ledger and the statistics
// derived from it: per-glyph usage, per-agent activity and recurring glyph
// sequences.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/agora/internal/glyph"
	"github.com/ssd-technologies/agora/internal/storage"
)

// Payload limits.
const (
	MaxPayloadKeys  = 32
	MaxPayloadValue = 1024
	MaxBlobSize     = 64 << 10
)

var (
	// ErrUnknownGlyph is returned for a glyph that is neither a base glyph
	// nor an accepted extension.
	ErrUnknownGlyph = errors.New("unknown glyph")
	// ErrInvalidMessage covers missing fields and oversized payloads.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMessageNotFound is returned when no message has the given hash.
	ErrMessageNotFound = errors.New("message not found")
)

// Message is one glyph sent from one agent to another agent or to the
// public channel.
type Message struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	GlyphID        string            `json:"glyph_id"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	Payload        map[string]string `json:"payload,omitempty"`
	Blob           []byte            `json:"blob,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	ContentHash    string            `json:"content_hash"`
	AttestationRef string            `json:"attestation_ref,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// Public reports whether the message was addressed to the public channel.
func (m Message) Public() bool {
	return m.Recipient == glyph.PublicChannel
}

// normalize trims identifiers and upper-cases the glyph ID.
func (m *Message) normalize() {
	m.GlyphID = glyph.NormalizeID(m.GlyphID)
	m.Sender = strings.TrimSpace(m.Sender)
	m.Recipient = strings.TrimSpace(m.Recipient)
	m.ContentHash = strings.TrimSpace(m.ContentHash)
}

// validate checks required fields and payload caps. Glyph membership is
// checked by the ledger.
func (m *Message) validate() error {
	switch {
	case m.GlyphID == "":
		return fmt.Errorf("%w: glyph is required", ErrInvalidMessage)
	case m.Sender == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	case m.Recipient == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case len(m.Payload) > MaxPayloadKeys:
		return fmt.Errorf("%w: payload has %d keys, max %d", ErrInvalidMessage, len(m.Payload), MaxPayloadKeys)
	case len(m.Blob) > MaxBlobSize:
		return fmt.Errorf("%w: blob is %d bytes, max %d", ErrInvalidMessage, len(m.Blob), MaxBlobSize)
	}
	for k, v := range m.Payload {
		if len(v) > MaxPayloadValue {
			return fmt.Errorf("%w: payload value %q is %d bytes, max %d", ErrInvalidMessage, k, len(v), MaxPayloadValue)
		}
	}
	return nil
}

// computeHash digests the canonical message fields. The message ID is part
// of the digest, so two sends without a caller hash never collide.
func computeHash(m *Message) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(m.ID)
	write(m.GlyphID)
	write(m.Sender)
	write(m.Recipient)
	write(strconv.FormatInt(m.Timestamp.UnixMilli(), 10))
	for _, k := range slices.Sorted(maps.Keys(m.Payload)) {
		write(k)
		write(m.Payload[k])
	}
	h.Write(m.Blob)
	return hex.EncodeToString(h.Sum(nil))
}

func toRow(m *Message) *storage.Message {
	return &storage.Message{
		ID:             m.ID,
		GlyphID:        m.GlyphID,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		Payload:        m.Payload,
		Blob:           m.Blob,
		Timestamp:      m.Timestamp.UnixMilli(),
		ContentHash:    m.ContentHash,
		AttestationRef: m.AttestationRef,
		RecordedAt:     m.RecordedAt.UnixMilli(),
	}
}

func fromRow(row *storage.Message) Message {
	return Message{
		Seq:            row.Seq,
		ID:             row.ID,
		GlyphID:        row.GlyphID,
		Sender:         row.Sender,
		Recipient:      row.Recipient,
		Payload:        row.Payload,
		Blob:           row.Blob,
		Timestamp:      time.UnixMilli(row.Timestamp),
		ContentHash:    row.ContentHash,
		AttestationRef: row.AttestationRef,
		RecordedAt:     time.UnixMilli(row.RecordedAt),
	}
}
