// Package codec serializes session records using a stable, versioned
// schema. JSON is the default encoding; CBOR is available for compact
// storage backends.
package codec

import (
	"fmt"
	"time"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// SchemaVersion is the current record schema version.
const SchemaVersion = 1

// Codec encodes session records and auxiliary values.
type Codec interface {
	Name() string
	EncodeSession(s *domain.Session) ([]byte, error)
	DecodeSession(data []byte) (*domain.Session, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// New returns the codec registered under name ("json" or "cbor").
func New(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", domain.ErrInvalidArgument, name)
}

// Record is the persisted form of a session.
type Record struct {
	SchemaVersion int             `json:"schema_version" cbor:"schema_version"`
	ID            string          `json:"id" cbor:"id"`
	Owner         string          `json:"owner" cbor:"owner"`
	Status        string          `json:"status" cbor:"status"`
	CreatedAt     time.Time       `json:"created_at" cbor:"created_at"`
	LastAccessAt  time.Time       `json:"last_access_at" cbor:"last_access_at"`
	TTLSeconds    int64           `json:"ttl_seconds" cbor:"ttl_seconds"`
	Metadata      map[string]any  `json:"metadata" cbor:"metadata"`
	Messages      []RecordMessage `json:"messages" cbor:"messages"`
}

// RecordMessage is the persisted form of a message.
type RecordMessage struct {
	Seq     uint64    `json:"seq" cbor:"seq"`
	Role    string    `json:"role" cbor:"role"`
	Content string    `json:"content" cbor:"content"`
	TS      time.Time `json:"ts" cbor:"ts"`
}

// ToRecord converts a session into its persisted form. Times are stored in UTC.
func ToRecord(s *domain.Session) Record {
	rec := Record{
		SchemaVersion: SchemaVersion,
		ID:            s.ID,
		Owner:         s.Owner,
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt.UTC(),
		LastAccessAt:  s.LastAccessAt.UTC(),
		TTLSeconds:    int64(s.TTL / time.Second),
		Metadata:      map[string]any(s.Metadata),
		Messages:      make([]RecordMessage, 0, len(s.Messages)),
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for _, m := range s.Messages {
		rec.Messages = append(rec.Messages, RecordMessage{
			Seq:     m.Seq,
			Role:    string(m.Role),
			Content: m.Content,
			TS:      m.Timestamp.UTC(),
		})
	}
	return rec
}

// FromRecord validates rec and converts it back into a session.
func FromRecord(rec Record) (*domain.Session, error) {
	if rec.SchemaVersion < 1 || rec.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", domain.ErrStorage, rec.SchemaVersion)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: record without id", domain.ErrStorage)
	}
	status := domain.SessionStatus(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: record %s has invalid status %q", domain.ErrStorage, rec.ID, rec.Status)
	}

	s := &domain.Session{
		ID:           rec.ID,
		Owner:        rec.Owner,
		Status:       status,
		CreatedAt:    rec.CreatedAt.UTC(),
		LastAccessAt: rec.LastAccessAt.UTC(),
		TTL:          time.Duration(rec.TTLSeconds) * time.Second,
		Metadata:     domain.Metadata(rec.Metadata),
		Messages:     make([]domain.Message, 0, len(rec.Messages)),
	}
	if s.Metadata == nil {
		s.Metadata = domain.Metadata{}
	}
	var last uint64
	for _, m := range rec.Messages {
		if m.Seq <= last {
			return nil, fmt.Errorf("%w: record %s has out-of-order message seq %d", domain.ErrStorage, rec.ID, m.Seq)
		}
		last = m.Seq
		s.Messages = append(s.Messages, domain.Message{
			Seq:       m.Seq,
			Role:      domain.MessageRole(m.Role),
			Content:   m.Content,
			Timestamp: m.TS.UTC(),
		})
	}
	return s, nil
}
