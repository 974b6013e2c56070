package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/kinship/internal/engine"
	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlite"
	"github.com/scrypster/kinship/pkg/types"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			out := map[string]interface{}{"engine": a.cfg.Storage.Engine, "status": "up to date"}
			if s, ok := store.(*sqlite.Store); ok {
				schema, err := sqlite.SchemaStatus(cmd.Context(), s.DB())
				if err != nil {
					return err
				}
				out["schema"] = schema
			}
			return a.print(out)
		},
	}
}

func newLinkCmd(a *app) *cobra.Command {
	var (
		entityType   string
		recent       []string
		conversation string
	)
	cmd := &cobra.Command{
		Use:   "link <text>",
		Short: "Find the entity a piece of text refers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			var lc *engine.LinkContext
			if len(recent) > 0 || conversation != "" {
				lc = &engine.LinkContext{ConversationID: conversation, RecentEntityIDs: recent}
			}
			result, err := svc.LinkEntity(cmd.Context(), args[0], types.EntityType(entityType), lc)
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", string(types.EntityTypePerson), "entity type")
	cmd.Flags().StringSliceVar(&recent, "recent", nil, "IDs of entities mentioned recently in the conversation")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation ID")
	return cmd
}

func newIngestCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest extracted mentions from a stream of JSON objects",
		Long: `Ingest reads mention objects (one JSON value after another, e.g. JSON
Lines) from --file or stdin, links each one and stores it. Processing stops
at the first rejected mention; mentions before it stay ingested.

  {"text": "Ada Lovelace", "type": "person", "conversation_id": "c1",
   "message_id": "m1", "start_position": 0, "end_position": 12,
   "confidence": 0.9}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			results := []*engine.IngestResult{}
			dec := json.NewDecoder(in)
			for n := 1; ; n++ {
				var m engine.MentionInput
				if err := dec.Decode(&m); errors.Is(err, io.EOF) {
					break
				} else if err != nil {
					return fmt.Errorf("%w: mention %d: %v", storage.ErrInvalidInput, n, err)
				}
				res, err := svc.IngestMention(cmd.Context(), m)
				if err != nil {
					if perr := a.print(results); perr != nil {
						a.log.Warn("failed to print partial results", zap.Error(perr))
					}
					return fmt.Errorf("mention %d: %w", n, err)
				}
				results = append(results, res)
			}
			return a.print(results)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "input file (default: stdin)")
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <source-id> <target-id>",
		Short: "Fold the source entity into the target entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := svc.MergeEntities(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}
}

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <entity-id>...",
		Short: "Detect conflicts on entities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			conflicts := []*types.Conflict{}
			for _, id := range args {
				found, err := svc.DetectEntityConflicts(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("entity %s: %w", id, err)
				}
				conflicts = append(conflicts, found...)
			}
			return a.print(conflicts)
		},
	}
}

func newResolveCmd(a *app) *cobra.Command {
	var (
		by    string
		value string
		note  string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>...",
		Short: "Resolve conflicts with the matching rules, or manually with --value",
		Long: `Resolve applies the highest-priority matching rule to each conflict.
Conflicts whose rule calls for review are deferred.

With --value, exactly one conflict is resolved to the given JSON value
(e.g. --value '"Lisbon"' or --value '["a","b"]').`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manual := cmd.Flags().Changed("value")
			if manual && len(args) != 1 {
				return fmt.Errorf("%w: --value resolves exactly one conflict", storage.ErrInvalidInput)
			}

			var decoded interface{}
			if manual {
				if err := json.Unmarshal([]byte(value), &decoded); err != nil {
					return fmt.Errorf("%w: --value is not JSON: %v", storage.ErrInvalidInput, err)
				}
			}

			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if manual {
				res, err := svc.ResolveManually(cmd.Context(), args[0], decoded, by, note)
				if err != nil {
					return err
				}
				return a.print(res)
			}

			results := svc.ResolveConflicts(cmd.Context(), args, by)
			if err := a.print(results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d conflicts failed to resolve", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "who is resolving")
	cmd.Flags().StringVar(&value, "value", "", "resolve manually to this JSON value")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with a manual resolution")
	return cmd
}

func newConflictsCmd(a *app) *cobra.Command {
	var (
		severity   string
		entityType string
		deferred   bool
		auto       bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List active conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ActiveConflictFilter{
				Severity:   types.Severity(severity),
				EntityType: types.EntityType(entityType),
				Limit:      limit,
			}
			if cmd.Flags().Changed("deferred") {
				filter.Deferred = &deferred
			}
			if cmd.Flags().Changed("auto") {
				filter.AutoResolvable = &auto
			}

			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			conflicts, err := svc.GetActiveConflicts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(conflicts)
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "only this severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "only conflicts on entities of this type")
	cmd.Flags().BoolVar(&deferred, "deferred", false, "only deferred (true) or undeferred (false) conflicts")
	cmd.Flags().BoolVar(&auto, "auto", false, "only auto-resolvable (true) or review-only (false) conflicts")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of conflicts (default 100)")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <entity-id>",
		Short: "Show the resolution audit trail of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			trail, err := svc.GetResolutionAuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(trail)
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize detection and resolution activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var period engine.Period
			var err error
			if period.From, err = parseTime(from); err != nil {
				return err
			}
			if period.To, err = parseTime(to); err != nil {
				return err
			}

			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			report, err := svc.GenerateResolutionReport(cmd.Context(), period)
			if err != nil {
				return err
			}
			return a.print(report)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start, RFC 3339 or YYYY-MM-DD (default: unbounded)")
	cmd.Flags().StringVar(&to, "to", "", "period end, exclusive (default: unbounded)")
	return cmd
}

// parseTime accepts RFC 3339 timestamps and plain dates (UTC midnight).
// An empty string is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor YYYY-MM-DD", storage.ErrInvalidInput, s)
	}
	return t, nil
}

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage resolution rules",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List resolution rules, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			rules, err := svc.ListRules(cmd.Context(), !all)
			if err != nil {
				return err
			}
			return a.print(rules)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive rules")

	apply := &cobra.Command{
		Use:   "apply <file>",
		Short: "Insert or replace the rules in a YAML rule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			n, err := applyRuleFile(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			return a.print(map[string]int{"applied": n})
		},
	}

	cmd.AddCommand(list, apply)
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Detect conflicts on the most-mentioned entities and auto-resolve what rules allow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := a.cfg.SweepInterval()
			if err != nil {
				return err
			}

			svc, done, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			for {
				summary, err := svc.Sweep(ctx)
				if err != nil {
					if watch && ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := a.print(summary); err != nil {
					return err
				}
				if !watch {
					return nil
				}

				a.log.Info("sweep complete, waiting", zap.Duration("interval", interval))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "sweep repeatedly every sweep.interval until interrupted")
	return cmd
}
