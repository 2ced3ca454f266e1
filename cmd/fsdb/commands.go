// Defines the subcommands that read and watch a store.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maruel/fsdb/internal/storage/query"
)

type listFlags struct {
	where []string
	sort  string
	desc  bool
	then  []string
	skip  int
	max   int
}

// params builds the query. Secondary sort keys are ascending; prefix one with
// '-' to make it descending.
func (l *listFlags) params() (*query.Params, error) {
	p := &query.Params{}
	if len(l.where) != 0 {
		f, err := query.ParseFilters(l.where)
		if err != nil {
			return nil, err
		}
		p.Filter = f.Predicate()
	}
	if l.sort != "" {
		s := &query.Sort{Order: query.Order{Property: l.sort, Direction: query.SortAsc}}
		if l.desc {
			s.Order.Direction = query.SortDesc
		}
		for _, t := range l.then {
			o := query.Order{Property: t, Direction: query.SortAsc}
			if name, ok := strings.CutPrefix(t, "-"); ok {
				o = query.Order{Property: name, Direction: query.SortDesc}
			}
			s.Then = append(s.Then, o)
		}
		p.Sort = s
	} else if len(l.then) != 0 {
		return nil, fmt.Errorf("--then requires --sort")
	}
	if l.skip != 0 || l.max >= 0 {
		p.Paging = &query.Paging{Skip: l.skip}
		if l.max >= 0 {
			p.Paging.Max = &l.max
		}
	}
	return p, nil
}

func newListCmd(a *app) *cobra.Command {
	l := &listFlags{}
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "Print the records of a collection as JSON lines",
		Example: `  fsdb list projects --where 'priority>=2' --sort priority --desc --then name
  fsdb list tasks --where 'done?' --skip 10 --max 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := l.params()
			if err != nil {
				return err
			}
			docs, err := a.store.Documents(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, d := range docs {
				if err := enc.Encode(d); err != nil {
					return err
				}
			}
			slog.DebugContext(cmd.Context(), "fsdb: listed", "collection", args[0], "count", len(docs))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&l.where, "where", nil, "Filter expression, e.g. 'name^=fs' or 'done?'; repeat to AND")
	f.StringVar(&l.sort, "sort", "", "Property to sort by")
	f.BoolVar(&l.desc, "desc", false, "Sort descending")
	f.StringArrayVar(&l.then, "then", nil, "Secondary sort property, '-' prefix for descending")
	f.IntVar(&l.skip, "skip", 0, "Records to skip")
	f.IntVar(&l.max, "max", -1, "Maximum records to print, negative for all")
	return cmd
}

func newIDsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ids <collection>",
		Short: "Print the identity index of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.store.Index(args[0]).IDs()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range recs {
				if _, err := fmt.Fprintf(w, "%d\t%s\n", r.ID, strings.Join(r.Key, "/")); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCollectionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "Print the collections present in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := a.store.Collections()
			if err != nil {
				return err
			}
			for _, n := range names {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), n); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	n := 0
	cmd := &cobra.Command{
		Use:   "history <collection> <key>...",
		Short: "Print the git history of a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			commits, err := a.store.History(cmd.Context(), args[0], args[1:], n)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, c := range commits {
				h := c.Hash
				if len(h) > 12 {
					h = h[:12]
				}
				if _, err := fmt.Fprintf(w, "%s %s %-16s %s\n", h, c.AuthorDate.Format("2006-01-02 15:04"), c.Author, c.Message); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "Maximum number of commits")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <collection>",
		Short: "Stream record changes as JSON lines until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := a.store.Watch(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() {
				if err := w.Close(); err != nil {
					slog.WarnContext(ctx, "fsdb: failed to close watcher", "err", err)
				}
			}()
			slog.InfoContext(ctx, "fsdb: watching", "collection", args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range w.Events() {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return ctx.Err()
		},
	}
}
