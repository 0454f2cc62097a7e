package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
	"github.com/crivet/dose-engine/internal/infrastructure/redpanda"
)

// errBlocked is returned by --fail-on-block when any result is BLOCKED
var errBlocked = errors.New("evaluation blocked")

func evaluateCmd(opts *options) *cobra.Command {
	var failOnBlock bool
	cmd := &cobra.Command{
		Use:   "evaluate [request.json|-]",
		Short: "Evaluate one dosing request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req dosing.Request
			if err := readInput(cmd, args, &req); err != nil {
				return err
			}
			repo, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := dosing.NewEngine(repo, opts.logger()).Evaluate(req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if failOnBlock && res.Status == clinical.StatusBlocked {
				return errBlocked
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnBlock, "fail-on-block", false, "Exit non-zero when the result is BLOCKED")
	return cmd
}

func protocolCmd(opts *options) *cobra.Command {
	var failOnBlock bool
	cmd := &cobra.Command{
		Use:   "protocol [request.json|-]",
		Short: "Evaluate a multi-drug protocol request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req dosing.ProtocolRequest
			if err := readInput(cmd, args, &req); err != nil {
				return err
			}
			repo, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := dosing.NewEngine(repo, opts.logger()).EvaluateProtocol(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if failOnBlock && res.Status == clinical.StatusBlocked {
				return errBlocked
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnBlock, "fail-on-block", false, "Exit non-zero when the protocol is BLOCKED")
	return cmd
}

func drugsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drugs",
		Short: "Inspect the drug catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List drugs and protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range repo.List() {
				species := make([]string, 0, 2)
				for _, s := range p.Species() {
					species = append(species, string(s))
				}
				fmt.Fprintf(out, "%-16s %-28s %s\n", p.ID(), p.Name(), strings.Join(species, ","))
			}
			for _, proto := range repo.Protocols() {
				fmt.Fprintf(out, "protocol %-7s %-28s %s\n", proto.ID, proto.Name, strings.Join(proto.Drugs, ","))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <drug-id>",
		Short: "Show a drug's modes and ranges per species",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			p, err := repo.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, dosing.Summarize(p))
		},
	})
	return cmd
}

func lintCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Compile the catalog and report suspicious profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			drugs := make(map[string]*profile.DrugProfile)
			var issues []profile.LintIssue
			for _, p := range repo.List() {
				drugs[p.ID()] = p
				issues = append(issues, profile.Lint(p)...)
			}
			protocols := make(map[string]profile.Protocol)
			for _, proto := range repo.Protocols() {
				protocols[proto.ID] = proto
			}
			issues = append(issues, profile.LintCatalog(drugs, protocols)...)

			out := cmd.OutOrStdout()
			errs := 0
			for _, is := range issues {
				if is.Severity == profile.LintError {
					errs++
				}
				fmt.Fprintln(out, is.String())
			}
			fmt.Fprintf(out, "%d drugs, %d protocols, %d issues\n", len(drugs), len(protocols), len(issues))
			if errs > 0 {
				return fmt.Errorf("%d lint errors", errs)
			}
			return nil
		},
	}
}

func catalogCmd(opts *options) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the Postgres-hosted catalog",
	}
	push := &cobra.Command{
		Use:   "push",
		Short: "Validate the local catalog and upload it to Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			ctx := cmd.Context()
			src := opts.source()
			if _, err := profile.Load(ctx, src, opts.logger()); err != nil {
				return err
			}
			docs, err := src.Documents(ctx)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			store := postgres.NewCatalogSource(pool)
			for _, doc := range docs {
				if err := store.PutDocument(ctx, doc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %s\n", doc.Name)
			}
			return nil
		},
	}
	push.Flags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	cmd.AddCommand(push)
	return cmd
}

func auditCmd() *cobra.Command {
	cfg := redpanda.TailConfig{}
	var brokers string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the evaluation audit stream",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print evaluation events as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Brokers = strings.Split(brokers, ",")
			out := cmd.OutOrStdout()
			t, err := redpanda.NewTail(cfg, func(ctx context.Context, msg *redpanda.Message) error {
				_, err := fmt.Fprintf(out, "%s %s %s\n", msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"), msg.Key, msg.Value)
				return err
			}, nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	tail.Flags().StringVar(&brokers, "brokers", "localhost:19092", "Comma separated seed brokers")
	tail.Flags().StringVar(&cfg.Topic, "topic", redpanda.TopicEvaluations, "Audit topic")
	tail.Flags().BoolVar(&cfg.FromStart, "from-start", false, "Replay retained history")
	tail.Flags().IntVar(&cfg.Limit, "limit", 0, "Stop after this many events")
	cmd.AddCommand(tail)
	return cmd
}
