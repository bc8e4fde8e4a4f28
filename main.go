package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(NewApp(os.Stdout), os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands
func newRootCmd(app Runner, out io.Writer) *cobra.Command {
	var opts AppOptions

	rootCmd := &cobra.Command{
		Use:   "jointfit",
		Short: "Joint astrometric and photometric calibration of overlapping images",
		Long: `jointfit fits per-image mappings and star positions or fluxes to all
measurements of the same stars at once, rejecting outliers as it goes.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to a YAML or TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.OutputDir, "output-dir", "", "Directory for relative output paths")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format (console or json)")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic field and fit it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunSimulate(cmd.Context())
		},
	}
	simulateCmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Random seed (0 keeps the configured seed)")
	simulateCmd.Flags().IntVar(&opts.Images, "images", 0, "Number of images")
	simulateCmd.Flags().IntVar(&opts.Stars, "stars", 0, "Number of stars")
	simulateCmd.Flags().IntVar(&opts.Outliers, "outliers", 0, "Number of gross outliers to inject")
	simulateCmd.Flags().StringVar(&opts.CatalogFile, "write-catalog", "", "Write the simulated catalog as JSON")
	simulateCmd.Flags().BoolVar(&opts.NoFit, "no-fit", false, "Only generate the field")

	fitCmd := &cobra.Command{
		Use:   "fit <catalog.json>",
		Short: "Fit a catalog with the configured model and plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CatalogFile = args[0]
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunFit(cmd.Context())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jointfit version: %s\n", Version)
		},
	}

	rootCmd.AddCommand(simulateCmd, fitCmd, versionCmd)
	return rootCmd
}
