package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Result field names produced by the analysis pipeline.
const (
	FieldScore            = "tsr"
	FieldHotspotScore     = "tsr_hotspot"
	FieldVisualization    = "segmentationFileName"
	FieldVisualizationAlt = "resName"
)

// Result is the payload produced by the analysis pipeline.
//
// The core does not interpret the payload beyond a few accessors; it is
// stored and re-emitted byte for byte (compacted).
type Result struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// ParseResult parses a result artifact. The artifact must be a JSON object;
// when the score field is present it must be numeric.
func ParseResult(b []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("result artifact is empty")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("parse result artifact: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("result artifact is not a JSON object")
	}
	if raw, ok := fields[FieldScore]; ok {
		var score float64
		if err := json.Unmarshal(raw, &score); err != nil {
			return nil, fmt.Errorf("result field %q is not numeric", FieldScore)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, fmt.Errorf("compact result artifact: %w", err)
	}
	return &Result{raw: compact.Bytes(), fields: fields}, nil
}

// Raw returns the compacted JSON payload.
func (r *Result) Raw() json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r.raw))
	copy(out, r.raw)
	return out
}

// Score returns the numeric score (tsr).
func (r *Result) Score() (float64, bool) {
	return r.number(FieldScore)
}

// HotspotScore returns the auxiliary hotspot score (tsr_hotspot).
func (r *Result) HotspotScore() (float64, bool) {
	return r.number(FieldHotspotScore)
}

// Visualization returns the name of the generated visualization artifact,
// or "" when the payload carries none.
func (r *Result) Visualization() string {
	if r == nil {
		return ""
	}
	for _, field := range []string{FieldVisualization, FieldVisualizationAlt} {
		raw, ok := r.fields[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func (r *Result) number(field string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	raw, ok := r.fields[field]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// Equal reports whether two results carry the same payload.
func (r *Result) Equal(other *Result) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.raw, other.raw)
}

// Clone returns a copy of r. Clone of nil is nil.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out, err := ParseResult(r.raw)
	if err != nil {
		// raw was produced by ParseResult, so this cannot fail.
		return &Result{raw: r.Raw(), fields: r.fields}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(b []byte) error {
	parsed, err := ParseResult(b)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}
