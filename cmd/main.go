package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stock-cockpit/config"
	"stock-cockpit/internal/app"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/logging"
	"stock-cockpit/lib/translation"
)

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:           "cockpit",
		Short:         "Personal trading cockpit",
		Long:          "cockpit polls live quotes, fires price alerts and runs the post-market data jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			if err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Debug: cfg.Debug}); err != nil {
				return err
			}
			translation.Configure(cfg.LocalesDir, cfg.Lang)
			return nil
		},
		RunE: runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the application, runs fn and always releases it.
func withApp(fn func(a *app.App) error) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Stop()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, the job scheduler and the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(func(a *app.App) error {
		log.Infof("Starting cockpit on :%d", cfg.HTTPPort)
		return a.Serve(ctx)
	})
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or run scheduled jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run a job now, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				res, err := a.Scheduler.RunNow(cmd.Context(), args[0])
				if res.Name != "" {
					if perr := printJSON(map[string]any{
						"name":        res.Name,
						"summary":     res.Summary,
						"started_at":  res.StartedAt,
						"finished_at": res.FinishedAt,
					}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the last run of every job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				states, err := a.Scheduler.States()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tSCHEDULE\tLAST RUN\tSTATUS")
				for _, st := range states {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Name, st.Schedule, st.LastRun, st.Status)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage price alerts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				alerts, err := a.Alerts.ListAll()
				if err != nil {
					return err
				}
				return printJSON(alerts)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <symbol> <above|below> <price>",
		Short: "Add a price alert",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return errors.Wrapf(err, "invalid price %q", args[2])
			}
			return withApp(func(a *app.App) error {
				al, err := a.Alerts.Add(strings.ToUpper(args[0]), "", types.Direction(strings.ToLower(args[1])), target)
				if err != nil {
					return err
				}
				return printJSON(al)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Fetch the watchlist once and check active alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				snaps, err := a.Poller.PollOnce(cmd.Context())
				if err != nil {
					return err
				}
				events := a.Alerts.DrainRecent(true)
				log.Infof("Checked %d quotes, %d alerts triggered", len(snaps), len(events))
				return printJSON(events)
			})
		},
	})
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change runtime settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if len(args) == 1 {
					v, err := a.Settings.Get(args[0])
					if err != nil {
						return err
					}
					fmt.Println(v)
					return nil
				}
				all := a.Settings.All()
				for _, k := range config.SortedKeys(all) {
					fmt.Printf("%s=%s\n", k, all[k])
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change and persist a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				return a.Settings.Set(args[0], args[1])
			})
		},
	})
	return cmd
}
