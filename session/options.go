package session

import (
	"log/slog"
	"net/http"

	"github.com/aspen-cloud/aspen-sdk/docstore"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/outbox"
	"github.com/aspen-cloud/aspen-sdk/transport"
)

// Option configures Open.
type Option func(*options)

type options struct {
	store       docstore.Store
	transport   transport.Transport
	httpClient  *http.Client
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	outboxOpts  []outbox.Option
	startOutbox bool
	inbox       InboxSource
	inboxStream string
}

// WithStore uses store instead of the CouchDB database derived from the
// config. The session takes ownership and closes it.
func WithStore(store docstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithTransport delivers outbox messages with tr instead of the HTTP inbox
// transport.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) {
		o.transport = tr
	}
}

// WithHTTPClient replaces the bearer client built from Config.TokenSource.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets the logger for the session and everything it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records collection, feed and outbox metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithOutboxOptions passes extra options to the outbox.
func WithOutboxOptions(opts ...outbox.Option) Option {
	return func(o *options) {
		o.outboxOpts = append(o.outboxOpts, opts...)
	}
}

// WithoutOutboxProcessor opens the session without starting the outbox
// processor. Posted messages stay SENT until a processor runs.
func WithoutOutboxProcessor() Option {
	return func(o *options) {
		o.startOutbox = false
	}
}

// WithNATSInbox relays messages published to the user's inbox subject on
// stream into the "_inbox" collection. It pairs with transport.NATS on the
// sending side.
func WithNATSInbox(src InboxSource, stream string) Option {
	return func(o *options) {
		o.inbox = src
		o.inboxStream = stream
	}
}
