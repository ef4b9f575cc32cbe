package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved field names of the JSON document envelope.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// IsReserved reports whether a top level field name belongs to the store.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, "_")
}

// StripReserved returns fields without store metadata. The input is not
// modified.
func StripReserved(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

// MarshalDocument encodes doc as a flat JSON object with "_id", "_rev" and
// "_deleted" next to the user fields. An empty Rev is omitted.
func MarshalDocument(doc Document) ([]byte, error) {
	obj := StripReserved(doc.Fields)
	obj[FieldID] = doc.ID
	if doc.Rev != "" {
		obj[FieldRev] = doc.Rev
	}
	if doc.Deleted {
		obj[FieldDeleted] = true
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	return data, nil
}

// UnmarshalDocument decodes the flat JSON form produced by MarshalDocument.
func UnmarshalDocument(data []byte) (Document, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Document{}, fmt.Errorf("unmarshal document: %w", err)
	}
	return DocumentFromMap(obj), nil
}

// DocumentFromMap splits a decoded JSON object into metadata and fields.
func DocumentFromMap(obj map[string]any) Document {
	doc := Document{Fields: StripReserved(obj)}
	doc.ID, _ = obj[FieldID].(string)
	doc.Rev, _ = obj[FieldRev].(string)
	doc.Deleted, _ = obj[FieldDeleted].(bool)
	return doc
}
