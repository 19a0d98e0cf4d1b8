// Package main is the operator CLI: schema migration, batch resolution,
// backfills and topic administration.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/app"
	"github.com/drfirst/go-medlabel/internal/config"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medlabel/internal/observability/logging"
	"github.com/drfirst/go-medlabel/internal/resolver"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type env struct {
	envFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func rootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:          "medlabelctl",
		Short:        "Administer the medicine label store",
		SilenceUsage: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(e.envFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := logging.New("medlabelctl", cfg.IsDev(), cfg.LogLevel)
		if err != nil {
			return err
		}
		e.cfg, e.logger = cfg, logger
		return nil
	}
	root.PersistentFlags().StringVar(&e.envFile, "env", ".env", "optional .env file")

	root.AddCommand(migrateCmd(e), resolveCmd(e), sweepCmd(e), backfillCmd(e), topicsCmd(e), statsCmd(e))
	return root
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// withComponents runs fn over a migrated store and the resolution pipeline.
func (e *env) withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *app.Components) error) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	c, err := app.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			pool, err := postgres.NewPool(ctx, e.cfg.DatabaseURL, 2, 0)
			if err != nil {
				return err
			}
			defer pool.Close()
			from, to, err := postgres.Migrate(ctx, pool, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d -> %d\n", from, to)
			return nil
		},
	}
}

func resolveCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "resolve <bohcode>...",
		Short: "Resolve billing codes against the drug directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, code := range args {
				if !prescription.ValidBohcode(code) {
					return fmt.Errorf("invalid bohcode %q", code)
				}
			}
			return e.withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				sum, err := c.Resolver.ResolveBatch(ctx, args, resolver.Options{Force: force}, c.Pacer())
				printSummary(cmd.OutOrStdout(), sum)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ask the directory again even for mapped codes")
	return cmd
}

func sweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry every unresolved medicine once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				sum, err := c.Resolver.RetryUnresolved(ctx, c.Pacer())
				printSummary(cmd.OutOrStdout(), sum)
				return err
			})
		},
	}
}

func backfillCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fill mappings or descriptive fields from secondary sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "covered <code>",
		Short: "Map every billing code the directory lists for a canonical code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				added, err := c.Resolver.BackfillCovered(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d bohcodes mapped to %s\n", len(added), args[0])
				for _, b := range added {
					fmt.Fprintln(cmd.OutOrStdout(), " ", b)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "legacy",
		Short: "Fill placeholder medicines from the price and efficacy services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				legacy, err := c.Legacy()
				if err != nil {
					return err
				}
				n, err := c.Resolver.BackfillLegacy(ctx, legacy, c.Pacer())
				fmt.Fprintf(cmd.OutOrStdout(), "%d placeholder medicines enriched\n", n)
				return err
			})
		},
	})
	return cmd
}

func topicsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Administer broker topics",
	}

	var replication int16
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the feed, label-event and dead-letter topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			if err := admin.EnsureTopics(ctx, replication); err != nil {
				return err
			}
			names, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	ensure.Flags().Int16Var(&replication, "replication", 1, "replication factor for new topics")

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show the feed consumer group lag per partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			if group == "" {
				group = e.cfg.KafkaGroupID
			}
			lags, err := admin.GroupLag(ctx, group)
			if err != nil {
				return err
			}
			for _, l := range lags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s[%d]\t%d\n", l.Topic, l.Partition, l.Lag)
			}
			return nil
		},
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group, KAFKA_GROUP_ID by default")

	cmd.AddCommand(ensure, lag)
	return cmd
}

func statsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report mapping and outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				total, dangling, err := c.Store.CountMappings(ctx)
				if err != nil {
					return err
				}
				unresolved, err := c.Store.ListUnresolved(ctx)
				if err != nil {
					return err
				}
				ob, err := postgres.OutboxStatsOf(ctx, c.Pool, postgres.DefaultOutboxConfig().MaxRetries)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "mappings\t%d\n", total)
				fmt.Fprintf(out, "dangling\t%d\n", dangling)
				fmt.Fprintf(out, "unresolved\t%d\n", len(unresolved))
				fmt.Fprintf(out, "outbox pending\t%d\n", ob.Pending)
				fmt.Fprintf(out, "outbox failed\t%d\n", ob.Failed)
				return nil
			})
		},
	}
}

func printSummary(w io.Writer, sum resolver.Summary) {
	fmt.Fprintf(w, "total\t%d\n", sum.Total)
	statuses := make([]string, 0, len(sum.Counts))
	for s := range sum.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, sum.Counts[resolver.Status(s)])
	}
	if sum.Errors > 0 {
		fmt.Fprintf(w, "errors\t%d\n", sum.Errors)
	}
}
