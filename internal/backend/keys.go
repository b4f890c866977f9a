package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Key ranks order keys of different JSON types: numbers sort before
// strings, strings before everything else.
const (
	RankNumber = 0
	RankString = 1
	RankOther  = 2
)

// KeyRank returns the sort rank of a JSON key plus its numeric and textual
// sort components.
func KeyRank(key json.RawMessage) (rank int, num float64, text string) {
	var v any
	if err := json.Unmarshal(key, &v); err != nil {
		return RankOther, 0, string(key)
	}
	switch k := v.(type) {
	case float64:
		return RankNumber, k, ""
	case string:
		return RankString, 0, k
	default:
		var buf bytes.Buffer
		if json.Compact(&buf, key) != nil {
			return RankOther, 0, string(key)
		}
		return RankOther, 0, buf.String()
	}
}

// CompareKeys orders two JSON keys the way Scan must return them.
func CompareKeys(a, b json.RawMessage) int {
	ra, na, ta := KeyRank(a)
	rb, nb, tb := KeyRank(b)
	if ra != rb {
		return ra - rb
	}
	if ra == RankNumber {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(ta, tb)
}

// NumericKey returns the key as a number when it is one.
func NumericKey(key json.RawMessage) (float64, bool) {
	rank, n, _ := KeyRank(key)
	return n, rank == RankNumber
}

// ExtractKey reads the field named by keyPath (dot-separated) from a JSON
// object value. found is false when the value has no such field.
func ExtractKey(value json.RawMessage, keyPath string) (key json.RawMessage, found bool, err error) {
	cur := value
	for _, part := range strings.Split(keyPath, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false, fmt.Errorf("value is not an object at %q", part)
		}
		next, ok := obj[part]
		if !ok {
			return nil, false, nil
		}
		cur = next
	}
	if bytes.Equal(bytes.TrimSpace(cur), []byte("null")) {
		return nil, false, nil
	}
	return cur, true, nil
}

// InjectKey sets a top-level keyPath field on a JSON object value.
func InjectKey(value json.RawMessage, keyPath string, key json.RawMessage) (json.RawMessage, error) {
	if strings.Contains(keyPath, ".") {
		return nil, fmt.Errorf("cannot generate nested key path %q", keyPath)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("value is not an object")
	}
	obj[keyPath] = key
	return json.Marshal(obj)
}

// ResolveKey decides the primary key of a record written to a table.
// next is the table's key generator value; usedNext reports whether it was consumed.
func ResolveKey(spec TableSpec, p Put, next int64) (key, value json.RawMessage, usedNext bool, err error) {
	value = p.Value
	switch {
	case spec.KeyPath != "":
		k, found, err := ExtractKey(p.Value, spec.KeyPath)
		if err != nil {
			return nil, nil, false, err
		}
		if found {
			return k, value, false, nil
		}
		if !spec.AutoIncrement {
			return nil, nil, false, fmt.Errorf("record has no %q field", spec.KeyPath)
		}
		key = json.RawMessage(fmt.Sprintf("%d", next))
		value, err = InjectKey(p.Value, spec.KeyPath, key)
		if err != nil {
			return nil, nil, false, err
		}
		return key, value, true, nil
	case spec.AutoIncrement:
		if len(p.Key) > 0 {
			return p.Key, value, false, nil
		}
		return json.RawMessage(fmt.Sprintf("%d", next)), value, true, nil
	default:
		if len(p.Key) == 0 {
			return nil, nil, false, fmt.Errorf("record has no key")
		}
		return p.Key, value, false, nil
	}
}

// AdvanceGenerator returns the key generator value after key was stored.
func AdvanceGenerator(next int64, key json.RawMessage) int64 {
	if n, ok := NumericKey(key); ok && n >= float64(next) && n < math.MaxInt64 {
		return int64(math.Floor(n)) + 1
	}
	return next
}
