package reconcile

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Decision is the outcome of comparing a local and a remote value.
type Decision int

const (
	KeepLocal Decision = iota
	TakeRemote
)

func (d Decision) String() string {
	if d == TakeRemote {
		return "take_remote"
	}
	return "keep_local"
}

// Decide applies collection-level last-writer-wins to one key.
//
// Both values are expected to be JSON arrays of records. The side whose
// newest record (updatedAt, else createdAt, else the zero time) is strictly
// newer wins the whole collection; a tie keeps local. When either side is not
// an array of objects the remote value wins. A blank or empty remote carries
// no data and never replaces local, and a missing local value always loses to
// a non-empty remote. An empty local array is an ordinary collection whose
// newest record is the zero time, so it keeps local against remote records
// that carry no timestamps.
func Decide(local, remote string) Decision {
	if isBlank(remote) {
		return KeepLocal
	}
	remoteRecs, remoteOK := parseRecords(remote)
	if remoteOK && len(remoteRecs) == 0 {
		return KeepLocal
	}
	if isBlank(local) {
		return TakeRemote
	}
	localRecs, localOK := parseRecords(local)
	if !remoteOK || !localOK {
		return TakeRemote
	}
	if newest(remoteRecs).After(newest(localRecs)) {
		return TakeRemote
	}
	return KeepLocal
}

// SameJSON reports whether a and b decode to the same JSON value. Stores that
// re-encode JSON may reorder object keys and change whitespace.
func SameJSON(a, b string) bool {
	if a == b {
		return true
	}
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil || json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func isBlank(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == "null"
}

func parseRecords(raw string) ([]map[string]any, bool) {
	var recs []map[string]any
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, false
	}
	return recs, true
}

func newest(recs []map[string]any) time.Time {
	var out time.Time
	for _, rec := range recs {
		if ts := recordTime(rec); ts.After(out) {
			out = ts
		}
	}
	return out
}

// recordTime returns updatedAt, falling back to createdAt only when updatedAt
// is absent or null. Values that cannot be read as a time count as the zero
// time.
func recordTime(rec map[string]any) time.Time {
	for _, field := range []string{"updatedAt", "createdAt"} {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		return parseTimestamp(v)
	}
	return time.Time{}
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds, either as
// JSON numbers or numeric strings.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return fromMillis(t)
	case string:
		s := strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		if ts, err := time.Parse("2006-01-02", s); err == nil {
			return ts
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromMillis(f)
		}
	}
	return time.Time{}
}

func fromMillis(ms float64) time.Time {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
