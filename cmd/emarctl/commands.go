package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/internal/seed"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load rule tables and prescriptions from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rulesOnly, _ := cmd.Flags().GetBool("rules-only")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := seed.Load(file)
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}

			tr, rules, err := e.engine(pool)
			if err != nil {
				return err
			}
			var prescriptions seed.PrescriptionWriter = tr
			if rulesOnly {
				prescriptions = nil
			}
			s, err := seed.Apply(ctx, f, rules, prescriptions, e.logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Seeded %d medication(s), %d allergy record(s), %d interaction(s), %d prescription(s); %d already present, %d alert(s) raised.\n",
				s.Medications, s.Allergies, s.Interactions, s.Prescriptions, s.Skipped, s.Alerts)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Fixture file")
	cmd.Flags().Bool("rules-only", false, "Skip the fixture's prescriptions")
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print a subject's timetable for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			day, _ := cmd.Flags().GetString("date")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			tr, _, err := e.engine(pool)
			if err != nil {
				return err
			}

			date := tr.LocalDate(ctx, subject, time.Now())
			if day != "" {
				if date, err = medication.ParseDate(day); err != nil {
					return err
				}
			}
			s, err := tr.GetSchedule(ctx, subject, date)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s on %s (%s): %s, %d/%d administered, %d missed\n",
				s.SubjectID, s.Date, s.Timezone, s.Status, s.Administered, s.Total, s.Missed)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tMEDICATION\tDOSE\tROUTE\tSTATUS")
			loc, _ := time.LoadLocation(s.Timezone)
			for _, it := range s.Items {
				t := it.ScheduledTime
				if loc != nil {
					t = t.In(loc)
				}
				fmt.Fprintf(w, "%s\t%s\t%g %s\t%s\t%s\n",
					t.Format("15:04"), it.MedicationName, it.Dosage.Amount, it.Dosage.Unit, it.Route, it.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("subject", "", "Subject id")
	cmd.Flags().String("date", "", "Day as YYYY-MM-DD (default today in the subject's zone)")
	return cmd
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Query the alert ledger",
	}

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Count a subject's recorded alerts by severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			counts, err := postgres.NewAlertLedger(pool).CountBySeverity(ctx, subject)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEVERITY\tCOUNT")
			for _, sev := range []alert.Severity{alert.SeverityCritical, alert.SeverityHigh, alert.SeverityMedium, alert.SeverityLow} {
				fmt.Fprintf(w, "%s\t%d\n", sev, counts[sev])
			}
			return w.Flush()
		},
	}
	countCmd.Flags().String("subject", "", "Subject id")
	cmd.AddCommand(countCmd)
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(run func(cmd *cobra.Command, args []string, a *redpanda.Admin, e *env) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			a, err := redpanda.NewAdmin(e.cfg.Kafka.Brokers, e.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, args, a, e)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the engine's topics if missing",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, a *redpanda.Admin, e *env) error {
			if err := redpanda.HealthCheck(cmd.Context(), e.cfg.Kafka.Brokers); err != nil {
				return err
			}
			if err := a.EnsureTopics(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Topics are in place.")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, a *redpanda.Admin, _ *env) error {
			names, err := a.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe TOPIC",
		Short: "Show a topic's partitions",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *redpanda.Admin, _ *env) error {
			d, err := a.DescribeTopic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tLEADER\tREPLICAS\tISR")
			for _, p := range d.Partitions {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.ID, p.Leader, joinIDs(p.Replicas), joinIDs(p.ISR))
			}
			return w.Flush()
		}),
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show a consumer group's lag",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, a *redpanda.Admin, e *env) error {
			group, _ := cmd.Flags().GetString("group")
			if group == "" {
				group = e.cfg.Kafka.ConsumerGroup
			}
			lag, err := a.GetConsumerGroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tPARTITION\tLAG")
			topics := make([]string, 0, len(lag))
			for t := range lag {
				topics = append(topics, t)
			}
			sort.Strings(topics)
			for _, t := range topics {
				parts := make([]int32, 0, len(lag[t]))
				for p := range lag[t] {
					parts = append(parts, p)
				}
				sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
				for _, p := range parts {
					fmt.Fprintf(w, "%s\t%d\t%d\n", t, p, lag[t][p])
				}
			}
			return w.Flush()
		}),
	}
	lagCmd.Flags().String("group", "", "Consumer group (default kafka.consumer_group)")
	cmd.AddCommand(lagCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete TOPIC...",
		Short: "Delete topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *redpanda.Admin, _ *env) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete %s without --yes", strings.Join(args, ", "))
			}
			if err := a.DeleteTopics(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d topic(s).\n", len(args))
			return nil
		}),
	}
	deleteCmd.Flags().Bool("yes", false, "Confirm deletion")
	cmd.AddCommand(deleteCmd)

	return cmd
}

func joinIDs(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
