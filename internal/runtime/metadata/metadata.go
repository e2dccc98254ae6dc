// Package metadata holds the headers carried next to an event record or a
// transport call, independent of the backend that ships them.
package metadata

import (
	"strconv"
	"time"
)

// Well known header keys.
const (
	KeyEvent         = "chassis_event"
	KeyOffset        = "chassis_offset"
	KeyTimestamp     = "chassis_ts"
	KeyCorrelationID = "correlation_id"
	KeyContentType   = "content_type"
)

// Metadata is a flat string map of headers.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy. Cloning nil yields an empty map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries merged over m.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is dropped.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForRecord builds the headers of an event record.
func ForRecord(event string, offset int64, ts time.Time) Metadata {
	return Metadata{
		KeyEvent:     event,
		KeyOffset:    strconv.FormatInt(offset, 10),
		KeyTimestamp: strconv.FormatInt(ts.UnixMilli(), 10),
	}
}

// Event returns the event name header.
func (m Metadata) Event() string {
	return m[KeyEvent]
}

// Offset parses the offset header. ok is false when it is missing or malformed.
func (m Metadata) Offset() (int64, bool) {
	raw, found := m[KeyOffset]
	if !found {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Timestamp parses the unix-millisecond timestamp header, or returns the zero time.
func (m Metadata) Timestamp() time.Time {
	v, err := strconv.ParseInt(m[KeyTimestamp], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
