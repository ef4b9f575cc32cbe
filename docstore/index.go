package docstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// IndexFunc maps a live document to zero or more index rows by calling emit.
type IndexFunc func(doc Document, emit func(key, value any))

// Indexes is a registry of named index functions, shared by stores that
// evaluate indexes in process.
type Indexes struct {
	mu  sync.RWMutex
	fns map[string]IndexFunc
}

// Register adds or replaces the index called name.
func (ix *Indexes) Register(name string, fn IndexFunc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.fns == nil {
		ix.fns = make(map[string]IndexFunc)
	}
	ix.fns[name] = fn
}

// Lookup returns the index called name.
func (ix *Indexes) Lookup(name string) (IndexFunc, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fn, ok := ix.fns[name]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, errors.ErrNotFound)
	}
	return fn, nil
}

// EvaluateIndex runs fn over docs and returns the rows matching opts, ordered by
// key and then document id.
func EvaluateIndex(fn IndexFunc, docs []Document, opts QueryOptions) []Row {
	var rows []Row
	for i := range docs {
		doc := docs[i]
		if doc.Deleted {
			continue
		}
		fn(doc, func(key, value any) {
			row := Row{ID: doc.ID, Key: key, Rev: doc.Rev, Value: value}
			if opts.IncludeDocs {
				d := CloneDocument(doc)
				row.Doc = &d
			}
			rows = append(rows, row)
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if c := Collate(rows[i].Key, rows[j].Key); c != 0 {
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})

	out := rows[:0]
	for _, row := range rows {
		if opts.Key != nil && Collate(row.Key, opts.Key) != 0 {
			continue
		}
		if opts.StartKey != nil && Collate(row.Key, opts.StartKey) < 0 {
			continue
		}
		if opts.EndKey != nil && Collate(row.Key, opts.EndKey) > 0 {
			continue
		}
		out = append(out, row)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

// CloneFields deep-copies a JSON-shaped field map.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneDocument returns a copy of doc that shares no mutable state with it.
func CloneDocument(doc Document) Document {
	doc.Fields = CloneFields(doc.Fields)
	return doc
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneFields(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}
