package codec

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// JSON encodes records as JSON documents.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return "json" }

// EncodeSession encodes s.
func (JSON) EncodeSession(s *domain.Session) ([]byte, error) {
	data, err := json.Marshal(ToRecord(s))
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSession decodes a record produced by EncodeSession.
func (JSON) DecodeSession(data []byte) (*domain.Session, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", domain.ErrStorage, err)
	}
	return FromRecord(rec)
}

// Marshal encodes v as JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return nil
}
