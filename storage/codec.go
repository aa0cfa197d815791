package storage

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Encode converts v into a Record through its JSON representation, so the
// result holds only the types a loaded collection would hold.
func Encode(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("value is not a JSON object: %w", err)
	}
	return rec, nil
}

// Decode populates v from rec through its JSON representation.
func Decode(rec Record, v any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Int64 converts a numeric record value to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

func float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := Int64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// rank orders values of different kinds: nil < bool < number < string < other.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	}
	if _, ok := float(v); ok {
		return 2
	}
	return 4
}

// Compare is the three-way comparator used by Sort, Max and Min.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	case 2:
		af, _ := float(a)
		bf, _ := float(b)
		return cmp.Compare(af, bf)
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
