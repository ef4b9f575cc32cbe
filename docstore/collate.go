package docstore

import (
	"encoding/json"
	"sort"
	"strings"
)

// Collation ranks, lowest first.
const (
	rankNull = iota
	rankFalse
	rankTrue
	rankNumber
	rankString
	rankArray
	rankObject
)

// Collate orders two index keys: null, false, true, numbers, strings, arrays
// and then objects. Arrays compare element by element, objects by sorted key
// then value. Strings compare bytewise.
func Collate(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case rankNumber:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankArray:
		xa, xb := toSlice(a), toSlice(b)
		for i := 0; i < len(xa) && i < len(xb); i++ {
			if c := Collate(xa[i], xb[i]); c != 0 {
				return c
			}
		}
		return compareInts(len(xa), len(xb))
	case rankObject:
		ma, mb := a.(map[string]any), b.(map[string]any)
		ka, kb := sortedKeys(ma), sortedKeys(mb)
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if c := strings.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
			if c := Collate(ma[ka[i]], mb[kb[i]]); c != 0 {
				return c
			}
		}
		return compareInts(len(ka), len(kb))
	}
	return 0
}

func rank(v any) int {
	switch x := v.(type) {
	case nil:
		return rankNull
	case bool:
		if x {
			return rankTrue
		}
		return rankFalse
	case int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return rankNumber
	case string:
		return rankString
	case []any, []string:
		return rankArray
	case map[string]any:
		return rankObject
	}
	return rankObject
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
