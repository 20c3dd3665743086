package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ServerTimestamp is a placeholder for a top-level field value; the store replaces it
// with its own clock at write time.
var ServerTimestamp = json.RawMessage(`{".sv":"timestamp"}`)

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder.
func IsServerTimestamp(v json.RawMessage) bool {
	var sentinel map[string]string
	if !bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) {
		return false
	}
	if err := json.Unmarshal(v, &sentinel); err != nil {
		return false
	}
	return len(sentinel) == 1 && sentinel[".sv"] == "timestamp"
}

// ResolveServerTimestamps rewrites placeholder fields of a JSON object to now.
func ResolveServerTimestamps(data json.RawMessage, now time.Time) (json.RawMessage, error) {
	fields, err := DecodeObject(data)
	if err != nil {
		return nil, err
	}
	if !ResolveFields(fields, now) {
		return data, nil
	}
	return json.Marshal(fields)
}

// ResolveFields rewrites placeholder values in fields and reports whether any changed.
func ResolveFields(fields map[string]json.RawMessage, now time.Time) bool {
	changed := false
	for k, v := range fields {
		if IsServerTimestamp(v) {
			ts, _ := json.Marshal(now.UTC().Format(time.RFC3339Nano))
			fields[k] = ts
			changed = true
		}
	}
	return changed
}

// DecodeObject parses data as a JSON object.
func DecodeObject(data json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("value must be a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("value must be a JSON object")
	}
	return fields, nil
}

// EncodeFields marshals each value of partial for a field merge.
func EncodeFields(partial map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(partial))
	for k, v := range partial {
		raw, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
