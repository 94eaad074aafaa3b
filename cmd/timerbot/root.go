package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"timerbot/internal/app"
	"timerbot/internal/config"
	"timerbot/internal/scheduler"
	logx "timerbot/pkg/logx"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "timerbot",
		Short:         "Telegram bot that announces recurring events on schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotenv(config.DotenvPaths(cfgPath)...)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	serve := newServeCmd(&cfgPath)
	root.RunE = serve.RunE
	root.AddCommand(serve, newMigrateCmd(&cfgPath), newCheckCmd(&cfgPath), newVersionCmd())
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the dispatch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			a, err := app.NewApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending storage schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return app.Migrate(ctx, *cfgPath, logx.NewConsole("INFO"))
		},
	}
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and preview upcoming scan cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			spec, err := scheduler.NormalizeSpec(cfg.Scheduler.Spec)
			if err != nil {
				return fmt.Errorf("scheduler.spec: %w", err)
			}
			next, err := scheduler.NextRuns(spec, time.Now(), runs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok (%s)\nscan trigger: %s\n", *cfgPath, spec)
			for _, t := range next {
				fmt.Fprintf(out, "  %s\n", t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", 5, "number of upcoming scan times to print")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "timerbot %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)
		},
	}
}
