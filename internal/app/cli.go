package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"servicecert/internal/config"
	"servicecert/internal/domain"
	"servicecert/internal/fetch"
	"servicecert/internal/logging"
	"servicecert/internal/processing"
)

var Version = "dev"

// Main runs the CLI and exits non-zero on error.
func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "servicecert",
		Short:         "Issue service certificates for closed workshop tickets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CONFIG_PATH", configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default config.yaml, or $CONFIG_PATH)")

	root.AddCommand(runCmd(), pollCmd(), processCmd(), extractCmd(), recordsCmd(), statsCmd())
	return root
}

// withApp loads config, builds the app and runs fn under a context that is
// cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll on poll_schedule and serve /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll-and-process cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				summary, err := a.PollOnce(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), fetch.FormatRunSummary(summary, a.cfg.Location))
				return err
			})
		},
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [ticketID]",
		Short: "Process one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				out, err := a.Process(ctx, args[0])
				status := out.Kind.String()
				if err != nil && out.Kind != processing.OutcomeFailed {
					status = "error"
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "ticket %s: %s\n", args[0], status)
				if out.CertificateURL != "" {
					fmt.Fprintf(w, "certificate: %s\n", out.CertificateURL)
				}
				if out.Reason != "" {
					fmt.Fprintf(w, "reason: %s\n", out.Reason)
				}
				return err
			})
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [ticketID]",
		Short: "Print the registration and mileage extracted for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				res, err := a.Extract(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
}

func recordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records [ticketID]",
		Short: "List processing records for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				records, err := a.store.ListRecords(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintf(w, "no records for ticket %s\n", args[0])
					return nil
				}
				for _, r := range records {
					detail := r.CertificateURL
					if detail == "" {
						detail = r.ErrorMessage
					}
					fmt.Fprintf(w, "%d  %s  %-12s  %s\n", r.ID,
						r.ProcessedAt.In(a.cfg.Location).Format("2006-01-02 15:04"), r.Status, detail)
				}
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count processing records by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				counts, err := a.store.CountByStatus(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "since %s\n", time.Now().Add(-since).In(a.cfg.Location).Format("Mon Jan 2 15:04"))
				for _, s := range statuses {
					fmt.Fprintf(w, "%-12s %d\n", s, counts[domain.RecordStatus(s)])
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look back this far")
	return cmd
}
