package proto

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Timestamp is a wire time that tolerates the formats the chat server emits:
// RFC 3339, zone-less ISO (server local time treated as UTC) and the legacy
// "dd-MM-yyyy HH:mm". Null, empty or unparseable values decode to the zero
// time, which sorts as "never".
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

// ParseTimestamp parses s using the accepted layouts.
func ParseTimestamp(s string) (Timestamp, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, true
		}
	}
	return Timestamp{}, false
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Epoch milliseconds.
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			*t = Timestamp{}
			return nil
		}
		*t = Timestamp{Time: time.UnixMilli(ms).UTC()}
		return nil
	}
	ts, _ := ParseTimestamp(s)
	*t = ts
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
