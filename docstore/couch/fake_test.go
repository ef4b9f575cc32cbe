package couch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCouch serves the subset of the CouchDB database API the store uses,
// for one database mounted at /db.
type fakeCouch struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	gens    map[string]int
	seq     int
	log     []fakeChange
	wake    chan struct{}
	rows    []map[string]any // canned view rows
	fail    int              // number of upcoming requests answered with 503
	dropped int              // continuous feeds cut after the first change
}

type fakeChange struct {
	seq     int
	id      string
	rev     string
	deleted bool
}

func newFakeCouch(t *testing.T) (*fakeCouch, *httptest.Server) {
	t.Helper()
	fc := &fakeCouch{
		docs: make(map[string]map[string]any),
		gens: make(map[string]int),
		wake: make(chan struct{}),
	}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)
	return fc, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func couchErr(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, map[string]string{"error": kind, "reason": reason})
}

func (fc *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	if fc.fail > 0 {
		fc.fail--
		fc.mu.Unlock()
		couchErr(w, http.StatusServiceUnavailable, "unavailable", "try later")
		return
	}
	fc.mu.Unlock()

	path := strings.TrimPrefix(r.URL.EscapedPath(), "/db")
	switch {
	case path == "" || path == "/":
		writeJSON(w, http.StatusOK, map[string]any{"db_name": "db"})
	case path == "/_all_docs":
		fc.allDocs(w, r)
	case path == "/_bulk_docs":
		fc.bulkDocs(w, r)
	case path == "/_changes":
		fc.changes(w, r)
	case strings.HasPrefix(path, "/_design/"):
		if strings.Contains(path, "/_view/") {
			fc.view(w, r)
			return
		}
		couchErr(w, http.StatusNotFound, "not_found", "missing")
	default:
		id, err := url.PathUnescape(strings.TrimPrefix(path, "/"))
		if err != nil || strings.Contains(strings.TrimPrefix(path, "/"), "/") {
			couchErr(w, http.StatusBadRequest, "bad_request", "bad doc id")
			return
		}
		switch r.Method {
		case http.MethodGet:
			fc.get(w, id)
		case http.MethodPut:
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				couchErr(w, http.StatusBadRequest, "bad_request", "invalid json")
				return
			}
			body["_id"] = id
			rev, status, kind := fc.write(body)
			if status != http.StatusCreated {
				couchErr(w, status, kind, kind)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
		default:
			couchErr(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
		}
	}
}

func (fc *fakeCouch) get(w http.ResponseWriter, id string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	doc, ok := fc.docs[id]
	if !ok {
		couchErr(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	if doc["_deleted"] == true {
		couchErr(w, http.StatusNotFound, "not_found", "deleted")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// write applies CouchDB revision rules and returns the new rev or an error.
func (fc *fakeCouch) write(body map[string]any) (string, int, string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	id := body["_id"].(string)
	rev, _ := body["_rev"].(string)
	current, exists := fc.docs[id]
	switch {
	case exists && current["_deleted"] != true && rev != current["_rev"]:
		return "", http.StatusConflict, "conflict"
	case exists && current["_deleted"] == true && rev != "" && rev != current["_rev"]:
		return "", http.StatusConflict, "conflict"
	case !exists && rev != "":
		return "", http.StatusConflict, "conflict"
	}

	fc.gens[id]++
	newRev := fmt.Sprintf("%d-%032x", fc.gens[id], fc.seq+1)
	stored := map[string]any{}
	deleted := body["_deleted"] == true
	if deleted {
		stored["_deleted"] = true
	} else {
		for k, v := range body {
			stored[k] = v
		}
	}
	stored["_id"] = id
	stored["_rev"] = newRev
	fc.docs[id] = stored

	fc.seq++
	fc.log = append(fc.log, fakeChange{seq: fc.seq, id: id, rev: newRev, deleted: deleted})
	close(fc.wake)
	fc.wake = make(chan struct{})
	return newRev, http.StatusCreated, ""
}

func (fc *fakeCouch) allDocs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var start, end string
	if v := q.Get("startkey"); v != "" {
		_ = json.Unmarshal([]byte(v), &start)
	}
	if v := q.Get("endkey"); v != "" {
		_ = json.Unmarshal([]byte(v), &end)
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	includeDocs := q.Get("include_docs") == "true"

	fc.mu.Lock()
	defer fc.mu.Unlock()
	ids := make([]string, 0, len(fc.docs))
	for id, doc := range fc.docs {
		if doc["_deleted"] == true || (start != "" && id < start) || (end != "" && id > end) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		row := map[string]any{"id": id, "key": id, "value": map[string]any{"rev": fc.docs[id]["_rev"]}}
		if includeDocs {
			row["doc"] = fc.docs[id]
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": len(fc.docs), "offset": 0, "rows": rows})
}

func (fc *fakeCouch) bulkDocs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		couchErr(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	out := make([]map[string]any, 0, len(body.Docs))
	for _, doc := range body.Docs {
		id, _ := doc["_id"].(string)
		rev, status, kind := fc.write(doc)
		if status != http.StatusCreated {
			out = append(out, map[string]any{"id": id, "error": kind, "reason": "Document update conflict."})
			continue
		}
		out = append(out, map[string]any{"ok": true, "id": id, "rev": rev})
	}
	writeJSON(w, http.StatusCreated, out)
}

func (fc *fakeCouch) view(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	rows := fc.rows
	fc.mu.Unlock()
	if rows == nil {
		couchErr(w, http.StatusNotFound, "not_found", "missing_named_view")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": len(rows), "offset": 0, "rows": rows})
}

func (fc *fakeCouch) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("feed") != "continuous" {
		couchErr(w, http.StatusBadRequest, "bad_request", "continuous only")
		return
	}
	includeDocs := q.Get("include_docs") == "true"

	fc.mu.Lock()
	since := 0
	switch s := q.Get("since"); s {
	case "now":
		since = fc.seq
	default:
		n, err := strconv.Atoi(strings.TrimSuffix(s, "-x"))
		if err != nil {
			fc.mu.Unlock()
			couchErr(w, http.StatusBadRequest, "bad_request", "Malformed sequence supplied in 'since' parameter.")
			return
		}
		since = n
	}
	drop := fc.dropped > 0
	if drop {
		fc.dropped--
	}
	fc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		fc.mu.Lock()
		// Latest change per doc, in seq order.
		latest := map[string]fakeChange{}
		for _, c := range fc.log {
			if c.seq > since {
				latest[c.id] = c
			}
		}
		pending := make([]fakeChange, 0, len(latest))
		for _, c := range latest {
			pending = append(pending, c)
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
		lines := make([]map[string]any, 0, len(pending))
		for _, c := range pending {
			line := map[string]any{
				"seq":     fmt.Sprintf("%d-x", c.seq),
				"id":      c.id,
				"changes": []map[string]string{{"rev": c.rev}},
			}
			if c.deleted {
				line["deleted"] = true
			}
			if includeDocs {
				line["doc"] = fc.docs[c.id]
			}
			lines = append(lines, line)
			since = c.seq
		}
		wake := fc.wake
		fc.mu.Unlock()

		for _, line := range lines {
			data, _ := json.Marshal(line)
			_, _ = w.Write(append(data, '\n'))
			flusher.Flush()
			if drop {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-wake:
		case <-time.After(50 * time.Millisecond):
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}
