package remote

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Apply orders records by q.OrderBy (key order when empty), breaking ties by key,
// and keeps only the last q.LimitToLast entries. The input slice is not modified.
func Apply(records []Record, q Query) []Record {
	out := make([]Record, len(records))
	copy(out, records)

	if q.OrderBy == "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	} else {
		fields := make(map[string]json.RawMessage, len(out))
		for _, r := range out {
			fields[r.Key] = fieldOf(r.Data, q.OrderBy)
		}
		sort.SliceStable(out, func(i, j int) bool {
			if c := compareValues(fields[out[i].Key], fields[out[j].Key]); c != 0 {
				return c < 0
			}
			return out[i].Key < out[j].Key
		})
	}

	if q.LimitToLast > 0 && len(out) > q.LimitToLast {
		out = out[len(out)-q.LimitToLast:]
	}
	return out
}

func fieldOf(data json.RawMessage, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	return obj[field]
}

// compareValues orders missing < numbers < strings; timestamps compare as instants.
func compareValues(a, b json.RawMessage) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankNumber:
		fa, _ := strconv.ParseFloat(string(a), 64)
		fb, _ := strconv.ParseFloat(string(b), 64)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		var sa, sb string
		_ = json.Unmarshal(a, &sa)
		_ = json.Unmarshal(b, &sb)
		ta, errA := time.Parse(time.RFC3339Nano, sa)
		tb, errB := time.Parse(time.RFC3339Nano, sb)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}

const (
	rankMissing = iota
	rankNumber
	rankString
	rankOther
)

func rank(v json.RawMessage) int {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return rankMissing
	}
	switch c := v[0]; {
	case c == '"':
		return rankString
	case c == '-' || (c >= '0' && c <= '9'):
		return rankNumber
	}
	return rankOther
}
