package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/aspen-cloud/aspen-sdk/config"
	"github.com/aspen-cloud/aspen-sdk/docstore/couch"
	"github.com/aspen-cloud/aspen-sdk/docstore/kvstore"
	"github.com/aspen-cloud/aspen-sdk/docstore/memstore"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/health"
	"github.com/aspen-cloud/aspen-sdk/natsclient"
	"github.com/aspen-cloud/aspen-sdk/outbox"
	"github.com/aspen-cloud/aspen-sdk/pkg/tlsutil"
	"github.com/aspen-cloud/aspen-sdk/session"
	"github.com/aspen-cloud/aspen-sdk/transport"
)

const connectTimeout = 10 * time.Second

// connect opens a session on the backend selected by cfg.
func connect(ctx context.Context, cfg *config.Config, rt observers,
	opts ...session.Option) (*session.Session, func(context.Context) error, error) {
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendCouch:
		return connectCouch(ctx, cfg, rt.logger, opts)
	case config.BackendNATS:
		return connectNATS(ctx, cfg, rt, opts)
	case config.BackendMemory:
		return connectMemory(ctx, cfg, rt.logger, opts)
	}
	return nil, nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cli", "connect", "unknown backend "+cfg.Backend)
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		APIURL:  cfg.API.URL,
		AppID:   cfg.API.AppID,
		IDToken: cfg.API.IDToken,
		UserID:  cfg.API.UserID,
	}
	if cfg.API.AccessToken != "" {
		sc.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.API.AccessToken, TokenType: "Bearer"})
	}
	return sc
}

func userID(cfg *config.Config) (string, error) {
	if cfg.API.UserID != "" {
		return cfg.API.UserID, nil
	}
	return session.UserIDFromToken(cfg.API.IDToken)
}

// apiClient returns the HTTP client for the API, trusting the configured CAs.
func apiClient(cfg *config.Config, sc session.Config) (*http.Client, error) {
	base, err := tlsutil.HTTPTransport(cfg.API.TLS)
	if err != nil {
		return nil, err
	}
	return session.NewHTTPClient(sc.APIURL, sc.TokenSource, base)
}

// connectCouch talks to the user's database on the API server.
func connectCouch(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	opts []session.Option) (*session.Session, func(context.Context) error, error) {
	sc := sessionConfig(cfg)
	user, err := userID(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := apiClient(cfg, sc)
	if err != nil {
		return nil, nil, err
	}
	store, err := couch.New(couch.Config{
		URL:       session.DatabaseURL(strings.TrimRight(sc.APIURL, "/"), user, sc.AppID),
		Timeout:   cfg.Couch.Timeout.D(),
		Heartbeat: cfg.Couch.Heartbeat.D(),
	}, client, couch.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	sess, err := session.Open(ctx, sc, append(opts, session.WithStore(store), session.WithHTTPClient(client))...)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return sess, nil, nil
}

// connectNATS keeps documents in a JetStream KV bucket and delivers messages
// over the inbox stream.
func connectNATS(ctx context.Context, cfg *config.Config, rt observers,
	opts []session.Option) (*session.Session, func(context.Context) error, error) {
	logger := rt.logger
	sc := sessionConfig(cfg)
	user, err := userID(cfg)
	if err != nil {
		return nil, nil, err
	}
	sc.UserID = user

	clientOpts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + user),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.D()),
	}
	if rt.registry != nil {
		clientOpts = append(clientOpts, natsclient.WithMetrics(rt.registry.CoreMetrics()))
	}
	if rt.monitor != nil {
		rt.monitor.UpdateUnhealthy("nats", "connecting")
		clientOpts = append(clientOpts, natsclient.WithConnectionHooks(natsHooks(rt.monitor)))
	}
	if !cfg.NATS.TLS.IsZero() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
		if err != nil {
			return nil, nil, err
		}
		clientOpts = append(clientOpts, natsclient.WithTLS(tlsConfig))
	}
	if cfg.NATS.Username != "" {
		clientOpts = append(clientOpts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		clientOpts = append(clientOpts, natsclient.WithToken(cfg.NATS.Token))
	}
	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), clientOpts...)
	if err != nil {
		return nil, nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		return nil, nil, err
	}
	release := func(ctx context.Context) error { return client.Close(ctx) }
	fail := func(err error) (*session.Session, func(context.Context) error, error) {
		_ = release(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	if err := client.WaitForConnection(cctx); err != nil {
		return fail(err)
	}

	bucket, err := client.CreateKeyValueBucket(cctx, jetstream.KeyValueConfig{
		Bucket:  cfg.NATS.Bucket,
		History: uint8(cfg.NATS.History),
	})
	if err != nil {
		return fail(err)
	}
	store := kvstore.New(client.NewKVStore(bucket), kvstore.WithLogger(logger))

	tr, err := transport.NewNATS(client, sc.AppID)
	if err != nil {
		return fail(err)
	}
	if _, err := client.CreateStream(cctx, jetstream.StreamConfig{
		Name:     cfg.NATS.Stream,
		Subjects: []string{tr.SubjectFilter()},
	}); err != nil {
		return fail(err)
	}

	sess, err := session.Open(ctx, sc, append(opts,
		session.WithStore(store),
		session.WithTransport(tr),
		session.WithNATSInbox(client, cfg.NATS.Stream),
	)...)
	if err != nil {
		return fail(err)
	}
	return sess, release, nil
}

// connectMemory keeps documents in process. Messages go to the API when one
// is configured and are rejected otherwise.
func connectMemory(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	opts []session.Option) (*session.Session, func(context.Context) error, error) {
	sc := sessionConfig(cfg)
	if cfg.API.URL == "" {
		opts = append(opts, session.WithTransport(offline()))
	} else {
		client, err := apiClient(cfg, sc)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, session.WithHTTPClient(client))
	}
	opts = append(opts, session.WithStore(memstore.New(memstore.WithLogger(logger))))
	sess, err := session.Open(ctx, sc, opts...)
	if err != nil {
		return nil, nil, err
	}
	return sess, nil, nil
}

func offline() transport.Transport {
	return transport.Func(func(context.Context, string, json.RawMessage) error {
		return errors.ErrNoConnection
	})
}

func outboxOptions(cfg *config.Config) []outbox.Option {
	var opts []outbox.Option
	if d := cfg.Outbox.SweepInterval.D(); d > 0 {
		opts = append(opts, outbox.WithSweepInterval(d))
	}
	if cfg.Outbox.QueueSize > 0 {
		opts = append(opts, outbox.WithQueueSize(cfg.Outbox.QueueSize))
	}
	if cfg.Outbox.RateLimit > 0 {
		burst := cfg.Outbox.Burst
		if burst == 0 {
			burst = 1
		}
		opts = append(opts, outbox.WithRateLimit(rate.Limit(cfg.Outbox.RateLimit), burst))
	}
	if d := cfg.Outbox.LeaseTTL.D(); d > 0 {
		opts = append(opts, outbox.WithLease(d))
	}
	return opts
}

// natsHooks mirrors the NATS connection state into monitor.
func natsHooks(monitor *health.Monitor) natsclient.ConnectionHooks {
	return natsclient.ConnectionHooks{
		Connected: func() { monitor.UpdateHealthy("nats", "connected") },
		Disconnected: func(err error) {
			msg := "disconnected"
			if err != nil {
				msg += ": " + err.Error()
			}
			monitor.UpdateUnhealthy("nats", msg)
		},
		Reconnected: func() { monitor.UpdateHealthy("nats", "reconnected") },
		Closed:      func() { monitor.UpdateUnhealthy("nats", "closed") },
	}
}
