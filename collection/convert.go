package collection

import (
	"encoding/json"
	"fmt"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
)

// toFields converts an application value to store fields. The value must
// encode to a JSON object.
func toFields[T any](v T) (map[string]any, error) {
	if m, ok := any(v).(map[string]any); ok {
		return docstore.StripReserved(m), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode fields: %v", errors.ErrInvalidRequest, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: fields must encode to a JSON object", errors.ErrInvalidRequest)
	}
	return docstore.StripReserved(m), nil
}

// fromFields converts store fields back to the application type.
func fromFields[T any](m map[string]any) (T, error) {
	var out T
	if p, ok := any(&out).(*map[string]any); ok {
		*p = docstore.StripReserved(m)
		return out, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return out, errors.WrapFatal(err, "collection", "decode", "marshal stored fields")
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"collection", "decode", "unmarshal stored fields")
	}
	return out, nil
}

// normalize turns any JSON-encodable value into its generic JSON shape, so that
// []string and []any compare alike.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeSharing unions two lists and otherwise replaces prev with next.
func mergeSharing(prev, next any) any {
	pl, pok := prev.([]any)
	nl, nok := next.([]any)
	if !pok || !nok {
		return next
	}

	out := append([]any(nil), pl...)
	for _, n := range nl {
		found := false
		for _, p := range out {
			if docstore.Collate(p, n) == 0 {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}
