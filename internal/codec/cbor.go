package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// encMode uses Core Deterministic Encoding so the same record always
// produces identical bytes. Times are written as RFC 3339 strings with
// nanoseconds so they survive a round trip exactly.
var encMode cbor.EncMode

// decMode decodes any-typed map values as map[string]any, matching what
// encoding/json produces for metadata.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes records as deterministic CBOR.
type CBOR struct{}

// Name returns "cbor".
func (CBOR) Name() string { return "cbor" }

// EncodeSession encodes s.
func (CBOR) EncodeSession(s *domain.Session) ([]byte, error) {
	data, err := encMode.Marshal(ToRecord(s))
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSession decodes a record produced by EncodeSession.
func (CBOR) DecodeSession(data []byte) (*domain.Session, error) {
	var rec Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", domain.ErrStorage, err)
	}
	return FromRecord(rec)
}

// Marshal encodes v as CBOR.
func (CBOR) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func (CBOR) Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return nil
}
