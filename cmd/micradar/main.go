package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "micradar",
		Short:         "Reconcile microphone listings across webshops and track their prices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(productsCmd())
	root.AddCommand(compareCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(reviewCmd())
	root.AddCommand(overrideCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the schema and seed the configured competitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context())
		},
	}
}

func ingestCmd() *cobra.Command {
	var (
		competitor string
		kind       string
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest crawler exports, one run per file",
		Long: "Ingest crawler exports for a competitor. Each file becomes one scrape run.\n" +
			"With --all, the sources configured for every competitor are collected instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), competitor, kind, args, all, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&competitor, "competitor", "c", "", "competitor key (e.g., bax, bol, maxiaxi, thomann)")
	cmd.Flags().StringVar(&kind, "kind", "jsonl", "input format: jsonl, merchant or html")
	cmd.Flags().BoolVar(&all, "all", false, "collect every configured competitor source")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output run summaries as JSON")
	return cmd
}

func productsCmd() *cobra.Command {
	var (
		brand      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "products",
		Short: "List canonical products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProducts(cmd.Context(), brand, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&brand, "brand", "", "only products of this brand")
	cmd.Flags().IntVar(&limit, "limit", 50, "max products to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func compareCmd() *cobra.Command {
	var (
		reference  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "compare <product-id>",
		Short: "Compare one product across shops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd.Context(), args[0], reference, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "competitor to position (default: from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func pairCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "pair <competitor-a> <competitor-b>",
		Short: "Compare the latest prices of two shops on shared products",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cmd.Context(), args[0], args[1], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func reviewCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "List listings waiting for a manual match",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(cmd.Context(), limit, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max listings to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func overrideCmd() *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "override <listing-id> <product-id>",
		Short: "Re-point a listing to another product (audited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverride(cmd.Context(), args[0], args[1], reason, actor)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the listing is re-pointed (required)")
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who made the change")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and close scrape runs",
	}

	var (
		competitor string
		status     string
		limit      int
		jsonOutput bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(c *cobra.Command, args []string) error {
			return runRunsList(c.Context(), competitor, status, limit, jsonOutput)
		},
	}
	list.Flags().StringVarP(&competitor, "competitor", "c", "", "only runs of this competitor")
	list.Flags().StringVar(&status, "status", "", "only runs in this status")
	list.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	list.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and everything written under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runRunsShow(c.Context(), args[0])
		},
	}

	var reason string
	fail := &cobra.Command{
		Use:   "fail <run-id>",
		Short: "Mark an abandoned pending or running run as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runRunsFail(c.Context(), args[0], reason)
		},
	}
	fail.Flags().StringVar(&reason, "reason", "abandoned", "failure reason")

	cmd.AddCommand(list, show, fail)
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduled imports and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
