package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tripbilling/internal/app"
	"tripbilling/internal/billing"
	"tripbilling/internal/db"
	"tripbilling/internal/scheduler"
	"tripbilling/internal/types"
)

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the trip billing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(c),
		newPlansCmd(c),
		newSweepCmd(c),
		newPendingCmd(c),
		newAlertsCmd(c),
		newStatsCmd(c),
	)
	return root
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				applied, err := db.RunMigrations(cmd.Context(), ac.Pool)
				if err != nil {
					return err
				}
				for _, f := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", f)
				}
				return nil
			})
		},
	}
}

func newPlansCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog and its configured price references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			writePlans(cmd.OutOrStdout(), billing.NewStaticCatalog(cfg.Billing.Prices()).List())
			return nil
		},
	}
}

func writePlans(out io.Writer, plans []types.Plan) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tMONTHLY\tYEARLY\tTRIPS\tPHOTOS/TRIP\tGROUP\tEXPORTS\tOFFLINE\tPRICES")
	for _, p := range plans {
		prices := "-"
		if p.Prices.Monthly != "" || p.Prices.Yearly != "" {
			prices = p.Prices.Monthly + " / " + p.Prices.Yearly
		}
		fmt.Fprintf(tw, "%s\t%d %s\t%d %s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			p.Code,
			p.MonthlyPrice, p.Currency,
			p.YearlyPrice, p.Currency,
			limitString(p.Limits.ActiveTrips),
			limitString(p.Limits.PhotosPerTrip),
			limitString(p.Limits.GroupParticipants),
			strings.Join(p.Limits.ExportFormats, ","),
			p.Limits.OfflineMode,
			prices,
		)
	}
	_ = tw.Flush()
}

func limitString(n int) string {
	if n == types.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func newSweepCmd(c *cli) *cobra.Command {
	var (
		task    string
		dryRun  bool
		refTime string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run reconciler sweeps once",
		Long: `Run one reconciler sweep, or all of them, under the same job locks the
scheduled reconciler uses. --dry-run reports what would change without
taking locks or writing.

Tasks: ` + taskList(),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := sweepPayload(task, dryRun, refTime)
			if err != nil {
				return err
			}
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				ctx := cmd.Context()
				metrics, err := ac.JobMetrics(ctx)
				if err != nil {
					return err
				}
				runner := ac.Runner(ac.Reconciler(ac.WebhookProcessor(metrics)), metrics, "billingctl-"+uuid.NewString())
				report, runErr := runner.Run(ctx, payload)
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", string(scheduler.TaskAll), "sweep to run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")
	cmd.Flags().StringVar(&refTime, "reference-time", "", "override now (RFC3339)")
	return cmd
}

func taskList() string {
	names := make([]string, 0, len(scheduler.AllTasks)+1)
	for _, t := range scheduler.AllTasks {
		names = append(names, string(t))
	}
	return strings.Join(append(names, string(scheduler.TaskAll)), ", ")
}

// sweepPayload validates the flags before any connection is opened.
func sweepPayload(task string, dryRun bool, refTime string) (scheduler.Payload, error) {
	p := scheduler.Payload{Task: scheduler.TaskType(task), DryRun: dryRun}
	if !p.Task.Valid() {
		return p, fmt.Errorf("unknown task %q (valid: %s)", task, taskList())
	}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return p, fmt.Errorf("invalid --reference-time: %w", err)
		}
		p.ReferenceTime = &t
	}
	return p, nil
}

func newPendingCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect webhook events waiting for their subscription",
	}

	var (
		olderThan time.Duration
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending webhook events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				cutoff := time.Now().UTC().Add(-olderThan)
				recs, err := ac.Store.WebhookEvents().ListPending(cmd.Context(), cutoff, limit)
				if err != nil {
					return err
				}
				writePending(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	list.Flags().DurationVar(&olderThan, "older-than", 0, "only events received at least this long ago")
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	var dryRun bool
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply pending events whose subscription now exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := scheduler.Payload{Task: scheduler.TaskPendingReplay, DryRun: dryRun}
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				runner := ac.Runner(ac.Reconciler(ac.WebhookProcessor(nil)), nil, "billingctl-"+uuid.NewString())
				report, runErr := runner.Run(cmd.Context(), payload)
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	replay.Flags().BoolVar(&dryRun, "dry-run", false, "count without re-applying")

	cmd.AddCommand(list, replay)
	return cmd
}

func writePending(out io.Writer, recs []types.WebhookEventRecord) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tSUBSCRIPTION\tRECEIVED\tATTEMPTS\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ExternalEventID, r.EventType, r.ExternalSubscriptionID,
			r.ReceivedAt.Format(time.RFC3339), r.Attempts, r.LastError)
	}
	_ = tw.Flush()
}

func newAlertsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect the operator alert queue",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent operator alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				alerts, err := ac.Store.Alerts().ListRecent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), alerts)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count subscriptions by status and plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd.Context(), func(ac *app.Container) error {
				rows, err := ac.Store.Reconciliation().CountByStatusAndPlan(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATUS\tPLAN\tCOUNT")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Status, r.Plan, r.Count)
				}
				return tw.Flush()
			})
		},
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
