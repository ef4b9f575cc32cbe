package main

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspen-cloud/aspen-sdk/config"
	"github.com/aspen-cloud/aspen-sdk/docstore/memstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/health"
	"github.com/aspen-cloud/aspen-sdk/outbox"
	"github.com/aspen-cloud/aspen-sdk/session"
	"github.com/aspen-cloud/aspen-sdk/transport"
)

// sharedStore outlives the sessions of single commands.
type sharedStore struct {
	*memstore.Store
}

func (sharedStore) Close() error { return nil }

type delivery struct {
	to   string
	body string
}

type recorder struct {
	mu    sync.Mutex
	calls []delivery
	fail  atomic.Int32
}

func (r *recorder) deliver(_ context.Context, to string, body json.RawMessage) error {
	if r.fail.Load() > 0 {
		r.fail.Add(-1)
		return errors.New("recipient unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, delivery{to: to, body: string(body)})
	return nil
}

func (r *recorder) delivered() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.calls...)
}

type harness struct {
	t     *testing.T
	store *memstore.Store
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })
	return &harness{t: t, store: store, rec: &recorder{}}
}

func (h *harness) connect(ctx context.Context, cfg *config.Config, _ observers,
	opts ...session.Option) (*session.Session, func(context.Context) error, error) {
	sess, err := session.Open(ctx, session.Config{AppID: cfg.API.AppID, UserID: cfg.API.UserID},
		append(opts, session.WithStore(sharedStore{h.store}), session.WithTransport(transport.Func(h.rec.deliver)))...)
	return sess, nil, err
}

// run executes one command as alice in the notes app.
func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	return h.runContext(context.Background(), stdin, args...)
}

func (h *harness) runContext(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := newRootCommand(h.connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--backend", "memory", "--app-id", "notes", "--user-id", "alice", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand(connect)
	commands := [][]string{
		{"get"}, {"put"}, {"add"}, {"update"}, {"delete"}, {"list"}, {"watch"}, {"share"},
		{"send"}, {"exchange"}, {"profile"},
		{"outbox", "list"}, {"outbox", "retry"}, {"outbox", "run"},
		{"config", "show"}, {"config", "validate"},
	}
	for _, path := range commands {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand(connect)
	for _, name := range []string{"config", "backend", "api-url", "app-id", "user-id", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestDocumentCommands(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "add", "tasks", `{"text":"buy milk"}`)
	require.NoError(t, err)
	added := decode[writeView](t, out)
	assert.True(t, added.Created)
	assert.Equal(t, "tasks", added.Collection)
	assert.Len(t, added.ID, 26)

	out, err = h.run("", "get", "tasks", added.ID)
	require.NoError(t, err)
	doc := decode[docView](t, out)
	assert.Equal(t, "buy milk", doc.Fields["text"])
	assert.Equal(t, added.Rev, doc.Rev)

	out, err = h.run("", "put", "tasks", "t1", `{"text":"call bob","done":false}`)
	require.NoError(t, err)
	assert.True(t, decode[writeView](t, out).Created)

	_, err = h.run("", "put", "tasks", "t1", `{"text":"again"}`)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err), err)

	out, err = h.run("", "put", "--if-not-exists", "tasks", "t1", `{"text":"again"}`)
	require.NoError(t, err)
	assert.False(t, decode[writeView](t, out).Created)

	_, err = h.run("", "update", "--merge", "tasks", "t1", `{"done":true}`)
	require.NoError(t, err)
	out, err = h.run("", "get", "tasks", "t1")
	require.NoError(t, err)
	doc = decode[docView](t, out)
	assert.Equal(t, "call bob", doc.Fields["text"])
	assert.Equal(t, true, doc.Fields["done"])

	_, err = h.run("", "share", "tasks", "t1", `["bob"]`)
	require.NoError(t, err)
	_, err = h.run("", "share", "tasks", "t1", `["carol","bob"]`)
	require.NoError(t, err)
	out, err = h.run("", "get", "tasks", "t1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"bob", "carol"}, decode[docView](t, out).Fields["sharing"])

	out, err = h.run("", "list", "--docs", "tasks")
	require.NoError(t, err)
	rows := decode[[]docView](t, out)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.NotEmpty(t, row.Fields)
	}

	out, err = h.run("", "list", "notes")
	require.NoError(t, err)
	assert.Empty(t, decode[[]docView](t, out))

	_, err = h.run("", "delete", "tasks", "t1")
	require.NoError(t, err)
	_, err = h.run("", "get", "tasks", "t1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), err)
}

func TestAddMany(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "add", "tasks", `{"n":1}`, `{"n":2}`, `{"n":3}`)
	require.NoError(t, err)
	results := decode[[]writeView](t, out)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Created)
		assert.Empty(t, res.Error)
	}

	out, err = h.run("", "list", "tasks")
	require.NoError(t, err)
	assert.Len(t, decode[[]docView](t, out), 3)
}

func TestDocumentFromStdin(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(`{"text":"piped"}`, "put", "tasks", "p1", "-")
	require.NoError(t, err)

	out, err := h.run("", "get", "tasks", "p1")
	require.NoError(t, err)
	assert.Equal(t, "piped", decode[docView](t, out).Fields["text"])
}

func TestInvalidDocument(t *testing.T) {
	h := newHarness(t)

	for _, arg := range []string{`[1,2]`, `null`, `not json`} {
		_, err := h.run("", "add", "tasks", arg)
		require.Error(t, err, arg)
		assert.True(t, errors.IsInvalid(err), arg)
	}
}

func TestSendAndRunOutbox(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "send", "bob", `{"text":"hi"}`)
	require.NoError(t, err)
	msgID := decode[writeView](t, out).ID
	require.NotEmpty(t, msgID)

	out, err = h.run("", "outbox", "list", "--status", "sent")
	require.NoError(t, err)
	pending := decode[[]messageView](t, out)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].To)
	assert.Empty(t, h.rec.delivered())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.runContext(ctx, "", "outbox", "run", "--until-idle")
	require.NoError(t, err)

	calls := h.rec.delivered()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob", calls[0].to)
	assert.JSONEq(t, `{"text":"hi"}`, calls[0].body)

	out, err = h.run("", "outbox", "list", "--status", "DELIVERED")
	require.NoError(t, err)
	delivered := decode[[]messageView](t, out)
	require.Len(t, delivered, 1)
	assert.Equal(t, msgID, delivered[0].ID)
	assert.Equal(t, 1, delivered[0].Attempts)
}

func TestRetryRejectedMessage(t *testing.T) {
	h := newHarness(t)
	h.rec.fail.Store(1)

	out, err := h.run("", "send", "bob", "plain text")
	require.NoError(t, err)
	msgID := decode[writeView](t, out).ID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.runContext(ctx, "", "outbox", "run", "--until-idle")
	require.NoError(t, err)

	out, err = h.run("", "outbox", "list", "--status", "REJECTED")
	require.NoError(t, err)
	rejected := decode[[]messageView](t, out)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].LastError, "recipient unavailable")

	out, err = h.run("", "outbox", "retry", msgID)
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", decode[map[string]string](t, out)["status"])

	calls := h.rec.delivered()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `"plain text"`, calls[0].body)

	_, err = h.run("", "outbox", "retry", msgID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestOutboxListRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "outbox", "list", "--status", "LOST")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestWatch(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out string
	var watchErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, watchErr = h.runContext(ctx, "", "watch", "--count", "1", "tasks")
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ctx.Done():
			t.Fatal("watch did not print a change")
		case <-ticker.C:
			_, err := h.run("", "add", "tasks", `{"text":"watched"}`)
			require.NoError(t, err)
		}
	}

	require.NoError(t, watchErr)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	change := decode[docView](t, lines[0])
	assert.Equal(t, "tasks", change.Collection)
	assert.Equal(t, "watched", change.Fields["text"])
}

func TestExchange(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "send", "bob", `{"text":"hello bob"}`)
	require.NoError(t, err)
	_, err = h.run("", "put", session.InboxCollection, "m1",
		`{"to":"alice","from":"bob","receivedAt":"2026-01-02T03:04:05Z","body":{"text":"hello alice"}}`)
	require.NoError(t, err)

	out, err := h.run("", "exchange", "bob")
	require.NoError(t, err)
	rows := decode[[]exchangeView](t, out)
	require.Len(t, rows, 2)
	collections := []string{rows[0].Collection, rows[1].Collection}
	assert.ElementsMatch(t, []string{session.InboxCollection, outbox.CollectionName}, collections)

	out, err = h.run("", "exchange", "dave")
	require.NoError(t, err)
	assert.Empty(t, decode[[]exchangeView](t, out))
}

func TestConfigShowMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aspen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`backend: memory
api:
  app_id: notes
  user_id: alice
  access_token: secret-token
nats:
  password: hunter2
`), 0o600))

	cmd := newRootCommand(connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "config", "show", "--format", "json"})
	require.NoError(t, cmd.Execute())

	assert.NotContains(t, out.String(), "secret-token")
	assert.NotContains(t, out.String(), "hunter2")
	shown := decode[config.Config](t, out.String())
	assert.Equal(t, "***", shown.API.AccessToken)
	assert.Equal(t, "memory", shown.Backend)
}

func TestConfigShowSkipsValidation(t *testing.T) {
	cmd := newRootCommand(connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--backend", "bogus", "config", "show"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "backend: bogus")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"memory", []string{"--backend", "memory", "--app-id", "notes", "--user-id", "alice"}, false},
		{"unknown backend", []string{"--backend", "bogus", "--app-id", "notes"}, true},
		{"missing app", []string{"--backend", "memory", "--user-id", "alice"}, true},
		{"couch without url", []string{"--backend", "couch", "--app-id", "notes", "--user-id", "alice"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand(connect)
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(append(tt.args, "config", "validate"))
			err := cmd.Execute()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), "configuration is valid")
		})
	}
}

func TestConnectUnknownBackend(t *testing.T) {
	_, _, err := connect(context.Background(), &config.Config{Backend: "tape"}, observers{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectMemoryOffline(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	cfg.API.AppID = "notes"
	cfg.API.UserID = "alice"

	ctx := context.Background()
	sess, release, err := connect(ctx, cfg, observers{logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	assert.Nil(t, release)
	defer func() { _ = sess.Close(ctx) }()

	res, err := sess.SendDocTo(ctx, map[string]any{"text": "hi"}, "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := sess.Outbox().Get(ctx, res.ID)
		return err == nil && doc.Fields.Status == outbox.StatusRejected
	}, 5*time.Second, 20*time.Millisecond)

	doc, err := sess.Outbox().Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Contains(t, doc.Fields.LastError, errors.ErrNoConnection.Error())
}

func TestProfileOverTLS(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/alice" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Alice"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o600))
	path := filepath.Join(dir, "aspen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`backend: memory
api:
  url: `+srv.URL+`
  app_id: notes
  user_id: alice
  access_token: tok
  tls:
    ca_files: [`+caFile+`]
log:
  level: error
`), 0o600))

	cmd := newRootCommand(connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "profile"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "Alice", decode[map[string]any](t, out.String())["name"])
	assert.Equal(t, "Bearer tok", auth.Load())
}

func TestOutboxOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Outbox = config.OutboxConfig{}
	assert.Empty(t, outboxOptions(cfg))

	cfg.Outbox = config.OutboxConfig{
		SweepInterval: config.Duration(time.Minute),
		QueueSize:     16,
		RateLimit:     5,
		LeaseTTL:      config.Duration(30 * time.Second),
	}
	assert.Len(t, outboxOptions(cfg), 4)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	entry := decode[map[string]any](t, lines[0])
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
}

func TestNATSHooksTrackConnection(t *testing.T) {
	monitor := health.NewMonitor()
	hooks := natsHooks(monitor)

	status := func() health.Status {
		st, ok := monitor.Get("nats")
		require.True(t, ok)
		return st
	}

	hooks.Connected()
	assert.True(t, status().Healthy)

	hooks.Disconnected(errors.ErrNoConnection)
	st := status()
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Message, errors.ErrNoConnection.Error())

	hooks.Reconnected()
	assert.Equal(t, "reconnected", status().Message)

	hooks.Closed()
	assert.False(t, status().Healthy)
}
