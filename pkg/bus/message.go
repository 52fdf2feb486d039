package bus

import (
	"bytes"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HistoryMessage is one tag transition on the bus. A produced batch is
// a single record holding a JSON array of these. Exactly one value slot
// is populated, matching the declared type.
//
// The reader additionally accepts "av", the array slot older producers
// emitted instead of "sv".
type HistoryMessage struct {
	Tag    string   `json:"tg"`
	Time   string   `json:"tm"`
	Type   string   `json:"tp,omitempty"`
	Status int32    `json:"st"`
	Bool   *bool    `json:"bv,omitempty"`
	Int    *int64   `json:"iv,omitempty"`
	Float  *float64 `json:"fv,omitempty"`
	Str    *string  `json:"sv,omitempty"`
	Array  *string  `json:"av,omitempty"`
}

// WireTime renders a transition timestamp the way batches carry it:
// ISO-8601 UTC with a trailing Z.
func WireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseWireTime accepts the timestamp forms seen on the bus, with and
// without fractional seconds.
func ParseWireTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing transition time %q", s)
	}
	return t.UTC(), nil
}

// EncodeBatch marshals messages into one record payload.
func EncodeBatch(msgs []HistoryMessage) ([]byte, error) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding history batch")
	}
	return payload, nil
}

// DecodeBatch unmarshals a record payload. Legacy producers JSON-encode
// the array twice, yielding a JSON string holding the real document;
// those are unwrapped and reported so the sender can be tracked down.
func DecodeBatch(payload []byte) (msgs []HistoryMessage, legacy bool, err error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, false, errors.Wrap(err, "unwrapping doubly-encoded batch")
		}
		trimmed = []byte(inner)
		legacy = true
	}
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, legacy, errors.Wrap(err, "decoding history batch")
	}
	return msgs, legacy, nil
}
