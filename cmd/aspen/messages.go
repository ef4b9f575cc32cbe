package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/health"
	"github.com/aspen-cloud/aspen-sdk/metric"
	"github.com/aspen-cloud/aspen-sdk/outbox"
	"github.com/aspen-cloud/aspen-sdk/session"
)

const idlePollInterval = 200 * time.Millisecond

type messageView struct {
	ID        string          `json:"id"`
	To        string          `json:"to"`
	Status    outbox.Status   `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Body      json.RawMessage `json:"body"`
}

func viewMessage(doc *collection.Document[outbox.Message]) messageView {
	m := doc.Fields
	return messageView{
		ID:        doc.ID,
		To:        m.To,
		Status:    m.Status,
		Attempts:  m.Attempts,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Body:      m.Body,
	}
}

type exchangeView struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Contact    any            `json:"contact"`
	Doc        map[string]any `json:"doc,omitempty"`
}

// readBody parses a message body given inline, or read from in when arg is
// "-". Text that is not JSON is sent as a string.
func readBody(arg string, in io.Reader) (any, error) {
	if arg != "-" {
		return readValue(arg), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, errors.Wrap(err, "cli", "readBody", "read stdin")
	}
	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	return string(data), nil
}

func newSendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <user> <body|->",
		Short: "Queue a message for another user",
		Long: `Store a message in the outbox with status SENT. It is delivered by a
running "aspen outbox run".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
			if err != nil {
				return err
			}
			defer closeSession()

			res, err := sess.SendDocTo(cmd.Context(), body, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), viewWrite(res))
		},
	}
}

func newExchangeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <user>",
		Short: "List the messages exchanged with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
			if err != nil {
				return err
			}
			defer closeSession()

			rows, err := sess.Messages().Exchange(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			views := make([]exchangeView, 0, len(rows))
			for _, row := range rows {
				v := exchangeView{ID: row.ID, Contact: row.Key}
				if name, ok := row.Value.(string); ok {
					v.Collection = name
				}
				if row.Doc != nil {
					v.Doc = row.Doc.Fields
				}
				views = append(views, v)
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func newProfileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the user profile stored by the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
			if err != nil {
				return err
			}
			defer closeSession()

			profile, err := sess.UserProfile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profile)
		},
	}
}

func newOutboxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver outbound messages",
	}
	cmd.AddCommand(newOutboxListCommand(opts))
	cmd.AddCommand(newOutboxRetryCommand(opts))
	cmd.AddCommand(newOutboxRunCommand(opts))
	return cmd
}

func newOutboxListCommand(opts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var statuses []outbox.Status
			for _, s := range splitStatuses(status) {
				st := outbox.Status(s)
				if !st.Valid() {
					return errors.WrapInvalid(errors.ErrInvalidRequest, "cli", "outbox list", "unknown status "+s)
				}
				statuses = append(statuses, st)
			}

			sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
			if err != nil {
				return err
			}
			defer closeSession()

			docs, err := sess.Outbox().GetAll(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			views := make([]messageView, 0, len(docs))
			for _, doc := range docs {
				views = append(views, viewMessage(doc))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses to include (SENT,DELIVERED,REJECTED)")
	return cmd
}

func newOutboxRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Deliver a rejected message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
			if err != nil {
				return err
			}
			defer closeSession()

			status, err := sess.Outbox().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "status": status})
		},
	}
}

func newOutboxRunCommand(opts *RootOptions) *cobra.Command {
	var untilIdle bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the outbox processor",
		Long: `Deliver outbox messages until interrupted. With --until-idle the command
returns once no message is left in SENT. The Prometheus endpoint is served
while running when metrics are enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if opts.cfg.Metrics.Enabled {
				opts.registry = metric.NewMetricsRegistry()
				opts.monitor = health.NewMonitor()
				srv := metric.NewServer(opts.cfg.Metrics.Addr, opts.cfg.Metrics.Path, opts.registry)
				srv.SetHealthHandler(opts.monitor.Handler(appName))
				go func() {
					if err := srv.Start(); err != nil {
						opts.logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
					defer cancel()
					_ = srv.Stop(sctx)
				}()
				opts.logger.Info("serving metrics", "address", srv.Address(), "health", "/health")
			}

			sess, closeSession, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeSession()
			opts.logger.Info("outbox processor running", "user", sess.UserID(), "app", sess.AppID())
			if opts.monitor != nil {
				opts.monitor.UpdateHealthy("outbox", "running")
				defer opts.monitor.UpdateUnhealthy("outbox", "stopped")
			}

			if !untilIdle {
				<-ctx.Done()
				return nil
			}
			return waitIdle(ctx, sess.Outbox())
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "return once no message is pending")
	return cmd
}

// waitIdle returns once ob holds no SENT message.
func waitIdle(ctx context.Context, ob *outbox.Outbox) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		pending, err := ob.GetAll(ctx, outbox.StatusSent)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
