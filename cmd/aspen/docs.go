package main

import (
	"encoding/json"
	"maps"

	"github.com/spf13/cobra"

	"github.com/aspen-cloud/aspen-sdk/collection"
	"github.com/aspen-cloud/aspen-sdk/session"
)

type docView struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Rev        string            `json:"rev,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	Fields     collection.Fields `json:"fields,omitempty"`
}

type writeView struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Rev        string `json:"rev,omitempty"`
	Created    bool   `json:"created"`
	Error      string `json:"error,omitempty"`
}

func viewDoc(doc *collection.Document[collection.Fields]) docView {
	return docView{ID: doc.ID, Collection: doc.Collection, Rev: doc.Rev, Deleted: doc.Deleted, Fields: doc.Fields}
}

func viewWrite(res collection.WriteResult) writeView {
	v := writeView{ID: res.ID, Collection: res.Collection, Rev: res.Rev, Created: res.Created}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

// withCollection opens a session without the outbox processor and runs fn on
// the named collection.
func withCollection(cmd *cobra.Command, opts *RootOptions, name string,
	fn func(*collection.Collection[collection.Fields]) error) error {
	sess, closeSession, err := opts.open(cmd.Context(), session.WithoutOutboxProcessor())
	if err != nil {
		return err
	}
	defer closeSession()

	coll, err := sess.Collection(name)
	if err != nil {
		return err
	}
	return fn(coll)
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				doc, err := coll.Get(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewDoc(doc))
			})
		},
	}
}

func newPutCommand(opts *RootOptions) *cobra.Command {
	var ifNotExists bool

	cmd := &cobra.Command{
		Use:   "put <collection> <id> <json|->",
		Short: "Create a document under a chosen id",
		Long: `Create a document under a chosen id. The command fails with a conflict
when the document exists, unless --if-not-exists is given.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := readFields(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				var res collection.WriteResult
				if ifNotExists {
					res, err = coll.PutIfNotExists(cmd.Context(), args[1], fields)
				} else {
					res, err = coll.Put(cmd.Context(), fields, args[1])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewWrite(res))
			})
		},
	}
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "leave an existing document untouched")
	return cmd
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <collection> <json|->...",
		Short: "Create documents under generated ids",
		Long: `Create one document per argument under a generated ULID. Several
documents are written in one bulk request; each result reports its own error.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]collection.Fields, 0, len(args)-1)
			for _, arg := range args[1:] {
				fields, err := readFields(arg, cmd.InOrStdin())
				if err != nil {
					return err
				}
				items = append(items, fields)
			}
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				if len(items) == 1 {
					res, err := coll.Add(cmd.Context(), items[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), viewWrite(res))
				}
				results, err := coll.AddAll(cmd.Context(), items)
				if err != nil {
					return err
				}
				views := make([]writeView, len(results))
				for i, res := range results {
					views[i] = viewWrite(res)
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
}

func newUpdateCommand(opts *RootOptions) *cobra.Command {
	var merge bool

	cmd := &cobra.Command{
		Use:   "update <collection> <id> <json|->",
		Short: "Write a document over its latest revision",
		Long: `Write a document over its latest revision, creating it when missing.
With --merge the given fields are merged into the current ones.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := readFields(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				res, err := coll.Update(cmd.Context(), args[1], func(prev *collection.Document[collection.Fields]) (collection.Fields, bool) {
					if !merge || prev == nil {
						return fields, true
					}
					next := maps.Clone(prev.Fields)
					if next == nil {
						next = collection.Fields{}
					}
					maps.Copy(next, fields)
					return next, true
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewWrite(res))
			})
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the current fields")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				res, err := coll.Delete(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewWrite(res))
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var includeDocs bool

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List a collection in id order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				rows, err := coll.GetAll(cmd.Context(), includeDocs)
				if err != nil {
					return err
				}
				views := make([]docView, 0, len(rows))
				for _, row := range rows {
					v := docView{ID: row.ID, Collection: row.Collection, Rev: row.Rev}
					if row.Doc != nil {
						v.Fields = row.Doc.Fields
					}
					views = append(views, v)
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().BoolVar(&includeDocs, "docs", false, "include document fields")
	return cmd
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch <collection>",
		Short: "Print changes to a collection as JSON lines",
		Long: `Print every change to a collection, one JSON object per line, until
interrupted or until --count changes were printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				changes := make(chan collection.Change[collection.Fields], 256)
				sub, err := coll.Subscribe(func(ch collection.Change[collection.Fields]) {
					select {
					case changes <- ch:
					default:
						opts.logger.Warn("watch output is behind, dropping change", "id", ch.ID, "rev", ch.Rev)
					}
				})
				if err != nil {
					return err
				}
				defer sub.Cancel()

				enc := json.NewEncoder(cmd.OutOrStdout())
				for printed := 0; count <= 0 || printed < count; printed++ {
					select {
					case <-cmd.Context().Done():
						return nil
					case ch := <-changes:
						v := docView{ID: ch.ID, Collection: ch.Collection, Rev: ch.Rev, Deleted: ch.Deleted}
						if ch.Doc != nil {
							v.Fields = ch.Doc.Fields
						}
						if err := enc.Encode(v); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many changes (0 = never)")
	return cmd
}

func newShareCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "share <collection> <id> <target>",
		Short: "Record who a document is shared with",
		Long: `Record target in the document's "sharing" field. A JSON list is merged
with the list already stored; any other value, such as a plain user id,
replaces it.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := readValue(args[2])
			return withCollection(cmd, opts, args[0], func(coll *collection.Collection[collection.Fields]) error {
				res, err := coll.Share(cmd.Context(), args[1], target)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewWrite(res))
			})
		},
	}
}
