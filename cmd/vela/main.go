// Command vela is the engine's CLI entry point: configuration validation,
// a smoke-test run against an in-memory datastore, and version reporting.
// The surface query language is parsed by a separate frontend; this binary
// exercises the engine through programmatic statements.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/config"
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/executor"
	"github.com/opal-lang/vela/runtime/fnc"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vela",
		Short:         "Vela multi-model database engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), validateCmd(), smokeCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func validateCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "validate <config.json>",
		Short: "Validate a configuration file against the engine schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (sequence_batch=%d, tree_cache_size=%d)\n",
				cfg.SequenceBatch, cfg.TreeCacheSize)
			if !watch {
				return nil
			}
			stop, err := config.Watch(args[0], log, func(cfg config.Config) {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration reloaded")
			})
			if err != nil {
				return err
			}
			defer stop()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the file and report reloads")
	return cmd
}

// smokeCmd runs a small end-to-end exercise against an in-memory datastore:
// create records, query them back, and print the result envelopes.
func smokeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run an end-to-end smoke test on an in-memory datastore",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			store := kv.NewMemStore(kv.MemOptions{
				Guard: kv.NewSpaceGuard(kv.SpaceGuardOptions{Limit: cfg.MaxAllowedSpaceUsage, Logger: log}),
			})
			cat := catalog.NewMemProvider()
			if err := cat.DefineTable(&catalog.TableDefinition{
				Name:        "user",
				Permissions: catalog.FullPermissions(),
			}); err != nil {
				return err
			}
			registry := fnc.NewRegistry()
			registry.SetCapabilities(cfg.Capabilities.AllowFunctions, cfg.Capabilities.DenyFunctions)
			ex := executor.New(cat, registry, store.Begin, log, nil)

			statements := []expr.Expr{
				expr.Create{
					What:    []expr.Expr{expr.Literal{Value: val.RecordId{Table: "user", Key: val.KeyInt(1)}}},
					Content: expr.Literal{Value: val.Object{"name": val.String("tobie"), "age": val.Int(42)}},
				},
				expr.Create{
					What:    []expr.Expr{expr.Literal{Value: val.RecordId{Table: "user", Key: val.KeyInt(2)}}},
					Content: expr.Literal{Value: val.Object{"name": val.String("jaime"), "age": val.Int(17)}},
				},
				expr.Select{
					Fields: []expr.SelectField{{Expr: expr.IdiomExpr{Idiom: expr.Fields("name")}}},
					What:   []expr.Expr{expr.Literal{Value: val.String("user")}},
					Cond: expr.Binary{
						Left:  expr.IdiomExpr{Idiom: expr.Fields("age")},
						Op:    expr.OpGte,
						Right: expr.Literal{Value: val.Int(18)},
					},
				},
			}
			results := ex.Execute(cmd.Context(), statements, executor.Options{
				NS:   &catalog.NamespaceDefinition{ID: 1, Name: "test"},
				DB:   &catalog.DatabaseDefinition{ID: 1, Name: "test"},
				Auth: exec.Auth{Root: true},
			})
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "-- query %d: %v\n", i+1, r.Wire())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "configuration file to load")
	return cmd
}
