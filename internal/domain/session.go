package domain

import (
	"time"
)

// Documented metadata keys. Any other key is kept as-is.
const (
	MetaTitle    = "title"
	MetaLang     = "lang"
	MetaUserName = "user_name"
	MetaTags     = "tags"
)

// Metadata is the open key-value mapping attached to a session.
type Metadata map[string]any

// Clone returns a deep copy of m. Nested maps and slices are copied too;
// a nil map clones to an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	}
	return v
}

// Merge overwrites keys of m with the keys of patch. No deep merge.
func (m Metadata) Merge(patch Metadata) {
	for k, v := range patch {
		m[k] = v
	}
}

// Message is a single entry of a session's message log.
type Message struct {
	Seq       uint64      `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"ts"`
}

// Session represents a conversation session.
type Session struct {
	ID           string        `json:"id"`
	Owner        string        `json:"owner"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessAt time.Time     `json:"last_access_at"`
	TTL          time.Duration `json:"ttl"`
	Metadata     Metadata      `json:"metadata"`
	Messages     []Message     `json:"messages"`
}

// ExpiresAt returns the expiry instant, or the zero time when the session
// never expires.
func (s *Session) ExpiresAt() time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.CreatedAt.Add(s.TTL)
}

// EffectiveStatus returns the status a caller should observe at now: an
// active session whose TTL has elapsed is reported as expired.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionStatusActive && s.TTL > 0 && !now.Before(s.CreatedAt.Add(s.TTL)) {
		return SessionStatusExpired
	}
	return s.Status
}

// LastSeq returns the sequence number of the last message, or 0.
func (s *Session) LastSeq() uint64 {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Seq
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = s.Metadata.Clone()
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return &out
}

// Summary is the list view of a session.
type Summary struct {
	ID           string        `json:"id"`
	Owner        string        `json:"owner"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessAt time.Time     `json:"last_access_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	MessageCount int           `json:"message_count"`
	Metadata     Metadata      `json:"metadata,omitempty"`
}

// Summarize builds the list view of s as observed at now.
func (s *Session) Summarize(now time.Time) Summary {
	sum := Summary{
		ID:           s.ID,
		Owner:        s.Owner,
		Status:       s.EffectiveStatus(now),
		CreatedAt:    s.CreatedAt,
		LastAccessAt: s.LastAccessAt,
		MessageCount: len(s.Messages),
		Metadata:     s.Metadata.Clone(),
	}
	if exp := s.ExpiresAt(); !exp.IsZero() {
		sum.ExpiresAt = &exp
	}
	return sum
}

// Stats aggregates counts over all stored sessions.
type Stats struct {
	Total         int                   `json:"total"`
	ByStatus      map[SessionStatus]int `json:"by_status"`
	TotalMessages int                   `json:"total_messages"`
}
