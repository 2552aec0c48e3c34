package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// compressedMarker prefixes snappy-compressed payloads. An encoded entry is
// a JSON object otherwise, so the marker can never be ambiguous.
var compressedMarker = []byte("SNAPPY:")

// entry is the envelope every value is wrapped in before it is stored
type entry struct {
	Value      json.RawMessage `json:"value"`
	CreatedAt  int64           `json:"created_at"` // unix ms
	TTL        int64           `json:"ttl"`        // ms, <= 0 never expires
	Hits       int64           `json:"hits"`
	Size       int             `json:"size"`
	Compressed bool            `json:"compressed"`
}

func newEntry(value json.RawMessage, now time.Time, ttl time.Duration) *entry {
	var ttlMs int64
	if ttl > 0 {
		ttlMs = ttl.Milliseconds()
		if ttlMs == 0 {
			ttlMs = 1
		}
	}
	return &entry{
		Value:     value,
		CreatedAt: now.UnixMilli(),
		TTL:       ttlMs,
		Size:      len(value),
	}
}

// expired reports whether the logical TTL has elapsed at now
func (e *entry) expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli() >= e.CreatedAt+e.TTL
}

// remaining returns the TTL left at now; zero for entries without expiry
func (e *entry) remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	return time.Duration(e.CreatedAt+e.TTL-now.UnixMilli()) * time.Millisecond
}

// encode serializes the entry, compressing it when the encoded form is
// larger than threshold. A negative threshold disables compression.
func (e *entry) encode(threshold int) ([]byte, error) {
	e.Compressed = false
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if threshold < 0 || len(raw) <= threshold {
		return raw, nil
	}

	e.Compressed = true
	raw, err = json.Marshal(e)
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, raw)
	out := make([]byte, 0, len(compressedMarker)+len(compressed))
	out = append(out, compressedMarker...)
	return append(out, compressed...), nil
}

func decodeEntry(payload []byte) (*entry, error) {
	if bytes.HasPrefix(payload, compressedMarker) {
		raw, err := snappy.Decode(nil, payload[len(compressedMarker):])
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		payload = raw
	}

	var e entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
