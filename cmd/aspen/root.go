package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/config"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/health"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/session"
)

// skipValidation marks commands that run on an unvalidated configuration.
const skipValidation = "skip-validation"

const closeTimeout = 10 * time.Second

// observers is handed to backends. registry and monitor are nil unless the
// command serves metrics.
type observers struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
}

// connectFunc opens a session for cfg. The returned release func frees the
// backend resources the session does not own, such as a NATS connection.
type connectFunc func(ctx context.Context, cfg *config.Config, rt observers,
	opts ...session.Option) (*session.Session, func(context.Context) error, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPaths []string
	Backend     string
	APIURL      string
	AppID       string
	UserID      string
	LogLevel    string
	LogFormat   string

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	connect  connectFunc
}

func newRootCommand(connect connectFunc) *cobra.Command {
	opts := &RootOptions{connect: connect}

	cmd := &cobra.Command{
		Use:     appName,
		Short:   "Aspen document and message client",
		Version: Version,
		Long: `Read and write the documents of one user's app database and exchange
messages with other users.

Configuration is read from the files given with --config, in order, then
from ASPEN_* environment variables, then from the flags below.

Examples:
  aspen --config aspen.yaml list notes --docs
  aspen --backend nats --user-id alice --app-id notes add notes '{"text":"hi"}'
  aspen --config aspen.yaml send bob '{"text":"hello"}'
  aspen --config aspen.yaml outbox run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringArrayVarP(&opts.ConfigPaths, "config", "c", nil, "configuration file, JSON or YAML (repeat to layer)")
	pf.StringVar(&opts.Backend, "backend", "", "storage backend (couch|nats|memory)")
	pf.StringVar(&opts.APIURL, "api-url", "", "API base URL")
	pf.StringVar(&opts.AppID, "app-id", "", "app id")
	pf.StringVar(&opts.UserID, "user-id", "", "user id, overriding the ID token subject")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&opts.LogFormat, "log-format", "", "log format (json|text)")

	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newUpdateCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newShareCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newExchangeCommand(opts))
	cmd.AddCommand(newProfileCommand(opts))
	cmd.AddCommand(newOutboxCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// load builds the configuration and the logger for cmd.
func (o *RootOptions) load(cmd *cobra.Command) error {
	loader := config.NewLoader()
	for _, path := range o.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag string
		src  string
		dst  *string
	}{
		{"backend", o.Backend, &cfg.Backend},
		{"api-url", o.APIURL, &cfg.API.URL},
		{"app-id", o.AppID, &cfg.API.AppID},
		{"user-id", o.UserID, &cfg.API.UserID},
		{"log-level", o.LogLevel, &cfg.Log.Level},
		{"log-format", o.LogFormat, &cfg.Log.Format},
	}
	for _, ov := range overrides {
		if flags.Changed(ov.flag) {
			*ov.dst = ov.src
		}
	}

	if _, skip := cmd.Annotations[skipValidation]; !skip {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	o.cfg = cfg
	o.logger = setupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return nil
}

// open connects a session for one command. The returned func closes it.
func (o *RootOptions) open(ctx context.Context, extra ...session.Option) (*session.Session, func(), error) {
	opts := []session.Option{
		session.WithLogger(o.logger),
		session.WithOutboxOptions(outboxOptions(o.cfg)...),
	}
	if o.registry != nil {
		opts = append(opts, session.WithMetrics(o.registry))
	}
	rt := observers{logger: o.logger, registry: o.registry, monitor: o.monitor}
	sess, release, err := o.connect(ctx, o.cfg, rt, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}

	closer := func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := sess.Close(cctx); err != nil {
			o.logger.Warn("close session", "error", err)
		}
		if release != nil {
			if err := release(cctx); err != nil {
				o.logger.Warn("release backend", "error", err)
			}
		}
	}
	return sess, closer, nil
}

// readFields parses a JSON object given inline, or read from in when arg is "-".
func readFields(arg string, in io.Reader) (collection.Fields, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return nil, errors.Wrap(err, "cli", "readFields", "read stdin")
		}
	}
	var fields collection.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: document must be a JSON object", errors.ErrInvalidRequest),
			"cli", "readFields", "parse document")
	}
	if fields == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidRequest, "cli", "readFields", "document must be a JSON object")
	}
	return fields, nil
}

// readValue parses arg as JSON, falling back to the raw string.
func readValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitStatuses(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
