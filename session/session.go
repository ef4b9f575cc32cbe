package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/docstore/couch"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/outbox"
	"github.com/aspen-cloud/aspen-sdk/transport"
)

// InboxCollection is the reserved collection receiving messages from other
// users.
const InboxCollection = "_inbox"

// Config identifies the user and app a session acts for.
type Config struct {
	// APIURL is the base URL of the API.
	APIURL string
	// AppID is the OAuth client id of the app.
	AppID string
	// IDToken is the OpenID Connect ID token. Its subject is the user id.
	IDToken string
	// UserID overrides the subject of IDToken. Used by backends that do not
	// authenticate, such as a local NATS server.
	UserID string
	// TokenSource yields the access token sent to the API.
	TokenSource oauth2.TokenSource
}

// InboxMessage is a message received from another user.
type InboxMessage struct {
	To         string          `json:"to"`
	From       string          `json:"from"`
	ReceivedAt string          `json:"receivedAt"`
	Body       json.RawMessage `json:"body"`
}

// Session is one user's connection to one app.
type Session struct {
	cfg        Config
	userID     string
	client     *http.Client
	store      docstore.Store
	dispatcher *collection.Dispatcher
	outbox     *outbox.Outbox
	inbox      *collection.Collection[InboxMessage]
	logger     *slog.Logger
	metrics    *metric.Metrics
	relay      *relay

	closeOnce sync.Once
	closeErr  error
}

// Open builds the session for cfg and starts its outbox processor.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	o := options{logger: slog.Default(), startOutbox: true}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.AppID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "Open", "app id is required")
	}
	userID := cfg.UserID
	if userID == "" {
		id, err := UserIDFromToken(cfg.IDToken)
		if err != nil {
			return nil, err
		}
		userID = id
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	s := &Session{
		cfg:    cfg,
		userID: userID,
		client: o.httpClient,
		logger: o.logger.With("component", "session", "user", userID, "app", cfg.AppID),
	}
	if o.registry != nil {
		s.metrics = o.registry.CoreMetrics()
	}

	if s.client == nil && (cfg.APIURL != "" || o.store == nil || o.transport == nil) {
		client, err := NewHTTPClient(cfg.APIURL, cfg.TokenSource, nil)
		if err != nil {
			return nil, err
		}
		s.client = client
	}

	s.store = o.store
	if s.store == nil {
		st, err := couch.New(couch.Config{URL: DatabaseURL(cfg.APIURL, userID, cfg.AppID)}, s.client,
			couch.WithLogger(o.logger))
		if err != nil {
			return nil, errors.Wrap(err, "session", "Open", "create store")
		}
		s.store = st
	}
	registerIndexes(s.store)

	tr := o.transport
	if tr == nil {
		h, err := transport.NewHTTP(transport.HTTPConfig{APIURL: cfg.APIURL, AppID: cfg.AppID}, s.client, o.logger)
		if err != nil {
			_ = s.store.Close()
			return nil, err
		}
		tr = h
	}

	s.dispatcher = collection.NewDispatcher(s.store,
		collection.WithLogger(o.logger), collection.WithMetrics(s.metrics))

	outboxOpts := []outbox.Option{outbox.WithLogger(o.logger), outbox.WithMetrics(s.metrics)}
	if o.registry != nil {
		outboxOpts = append(outboxOpts, outbox.WithMetricsRegistry(o.registry))
	}
	ob, err := outbox.New(s.store, s.dispatcher, tr, append(outboxOpts, o.outboxOpts...)...)
	if err != nil {
		s.abort()
		return nil, err
	}
	s.outbox = ob

	inbox, err := collection.New[InboxMessage](s.store, s.dispatcher, InboxCollection,
		collection.WithLogger(o.logger), collection.WithMetrics(s.metrics))
	if err != nil {
		s.abort()
		return nil, err
	}
	s.inbox = inbox

	if o.startOutbox {
		if err := s.outbox.Start(ctx); err != nil {
			s.abort()
			return nil, errors.Wrap(err, "session", "Open", "start outbox")
		}
	}

	if o.inbox != nil {
		r := newRelay(o.inbox, o.inboxStream, cfg.AppID, userID, inbox, s.logger)
		if err := r.start(ctx); err != nil {
			_ = s.outbox.Close(ctx)
			s.abort()
			return nil, errors.Wrap(err, "session", "Open", "start inbox relay")
		}
		s.relay = r
	}

	s.logger.Info("session opened", "outbox", o.startOutbox, "relay", o.inbox != nil)
	return s, nil
}

func (s *Session) abort() {
	if s.dispatcher != nil {
		_ = s.dispatcher.Close()
	}
	_ = s.store.Close()
}

// DatabaseURL returns the URL of the user's database for an app.
func DatabaseURL(apiURL, userID, appID string) string {
	return strings.TrimRight(apiURL, "/") + "/" + url.PathEscape(userID) + "/" + url.PathEscape(appID)
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string {
	return s.userID
}

// AppID returns the app id.
func (s *Session) AppID() string {
	return s.cfg.AppID
}

// Store returns the underlying document store.
func (s *Session) Store() docstore.Store {
	return s.store
}

// Outbox returns the session's outbox.
func (s *Session) Outbox() *outbox.Outbox {
	return s.outbox
}

// HTTPClient returns the credential-carrying client, or nil when the session
// needed none.
func (s *Session) HTTPClient() *http.Client {
	return s.client
}

// Collection returns the untyped collection called name.
func (s *Session) Collection(name string) (*collection.Collection[collection.Fields], error) {
	return CollectionOf[collection.Fields](s, name)
}

// CollectionOf returns the collection called name with schema T.
func CollectionOf[T any](s *Session, name string) (*collection.Collection[T], error) {
	return collection.New[T](s.store, s.dispatcher, name,
		collection.WithLogger(s.logger), collection.WithMetrics(s.metrics))
}

// SendDocTo queues doc for delivery to the user called to.
func (s *Session) SendDocTo(ctx context.Context, doc any, to string) (collection.WriteResult, error) {
	return s.outbox.Post(ctx, to, doc)
}

// OnNewMessages calls fn for every message arriving in the inbox.
func (s *Session) OnNewMessages(fn func(collection.Change[InboxMessage])) (*collection.Subscription, error) {
	return s.inbox.Subscribe(fn)
}

// Messages returns the messaging view of the session.
func (s *Session) Messages() *Messages {
	return &Messages{outbox: s.outbox, inbox: s.inbox}
}

// UserProfile fetches the user's profile from the API.
func (s *Session) UserProfile(ctx context.Context) (map[string]any, error) {
	if s.client == nil || s.cfg.APIURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "UserProfile", "no api client")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.APIURL+"/"+url.PathEscape(s.userID), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "session", "UserProfile", "build request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "session", "UserProfile", "fetch profile")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("user %s: %w", s.userID, errors.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.WrapFatal(fmt.Errorf("status %d", resp.StatusCode), "session", "UserProfile", "authorize")
	case resp.StatusCode >= 500:
		return nil, errors.WrapTransient(fmt.Errorf("status %d", resp.StatusCode), "session", "UserProfile", "fetch profile")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.WrapInvalid(fmt.Errorf("status %d", resp.StatusCode), "session", "UserProfile", "fetch profile")
	}

	var profile map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&profile); err != nil {
		return nil, errors.Wrap(errors.ErrDataCorrupted, "session", "UserProfile", "decode profile: "+err.Error())
	}
	return profile, nil
}

// Close stops the outbox processor and the inbox relay, then closes the
// dispatcher and the store. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.outbox.Close(gctx) })
		if s.relay != nil {
			g.Go(func() error {
				s.relay.stop()
				return nil
			})
		}
		errs := []error{g.Wait()}
		if err := s.dispatcher.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "session", "Close", "close dispatcher"))
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "session", "Close", "close store"))
		}
		s.closeErr = stderrors.Join(errs...)
		s.logger.Info("session closed")
	})
	return s.closeErr
}
