// Command butlerd runs the day-planner daemon: the schedule store, the
// reminder engine, the speech pipeline, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"butler/internal/config"
	"butler/internal/generate"
	appLog "butler/internal/log"
	"butler/internal/model"
	"butler/internal/scheduler"
	"butler/internal/speech"
	"butler/internal/store"
	"butler/internal/web"
)

// retainDays is how long completed days stay in the database before the
// nightly sweep removes them.
const retainDays = 7

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "butlerd",
		Short:         "Voice-first day planner daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if debug {
				appLog.SetLevel(appLog.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/butler/config.yaml", "Path to config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(serveCmd(), tickCmd(), exportCmd(), importCmd())

	if err := root.Execute(); err != nil {
		appLog.Error("butlerd failed", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the planner daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listen != "" {
				conf.Listen = listen
			}
			return runServe(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runServe(parent context.Context, conf *config.Config) error {
	appLog.Info("butlerd starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"db", conf.DBPath,
		"speech", conf.Speech.Engine,
		"model", conf.Generator.Model,
	)

	st, err := store.Open(conf.DBPath, conf.ChatHistoryLimit)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gen := generate.NewClient(conf.Generator)
	notifier := speech.NewNotifier(speechEngine(conf), conf.SpeechSafetyTimeout())

	engine := scheduler.New(conf.Scheduler, st, gen, notifier,
		scheduler.WithLocation(conf.Location()),
		scheduler.WithTranscript(st))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	c := cron.New(cron.WithLocation(conf.Location()))
	if _, err := c.AddFunc(conf.TickCron, func() {
		if err := engine.Tick(ctx); err != nil {
			appLog.Error("tick failed", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	if _, err := c.AddFunc("0 3 * * *", func() {
		cutoff := time.Now().In(conf.Location()).AddDate(0, 0, -retainDays)
		n, err := st.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			appLog.Error("nightly sweep failed", err)
			return
		}
		appLog.Info("nightly sweep completed", "removed", n)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	defer c.Stop()

	srv := web.NewServer(conf, st, engine, gen, notifier, speechEngine(conf))
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.StartServer(ctx, srv)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	appLog.Info("butlerd exiting")
	appLog.Sync()
	return nil
}

// speechEngine selects the configured synthesis backend, or nil when
// speech is off.
func speechEngine(conf *config.Config) speech.Synthesizer {
	switch conf.Speech.Engine {
	case "piper":
		return speech.NewPiper(conf.Speech)
	case "polly":
		return speech.NewPolly(conf.Speech)
	default:
		return nil
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(conf.DBPath, conf.ChatHistoryLimit)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			gen := generate.NewClient(conf.Generator)
			notifier := speech.NewNotifier(speechEngine(conf), conf.SpeechSafetyTimeout())
			engine := scheduler.New(conf.Scheduler, st, gen, notifier,
				scheduler.WithLocation(conf.Location()),
				scheduler.WithTranscript(st))

			return engine.Tick(cmd.Context())
		},
	}
}

func exportCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write upcoming events as an ICS calendar to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(conf.DBPath, conf.ChatHistoryLimit)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			loc := conf.Location()
			day := time.Now().In(loc)
			var events []model.Event
			for i := 0; i < days; i++ {
				dayEvents, err := st.ListEventsForDay(cmd.Context(), model.DateKeyFor(day.AddDate(0, 0, i)))
				if err != nil {
					return fmt.Errorf("list events: %w", err)
				}
				events = append(events, dayEvents...)
			}

			body, err := store.ExportICS(events, loc)
			if err != nil {
				return fmt.Errorf("render calendar: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to export, starting today")
	return cmd
}

func importCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "import <file.ics>",
		Short: "Import events from an ICS calendar file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read calendar: %w", err)
			}
			st, err := store.Open(conf.DBPath, conf.ChatHistoryLimit)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			loc := conf.Location()
			now := time.Now().In(loc)
			from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
			events, err := store.ImportICS(body, from, from.AddDate(0, 0, days), loc)
			if err != nil {
				return fmt.Errorf("parse calendar: %w", err)
			}
			if len(events) > 0 {
				if err := st.AddEvents(cmd.Context(), events); err != nil {
					return fmt.Errorf("save events: %w", err)
				}
			}
			appLog.Info("import completed", "events", len(events))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Recurrence expansion window in days")
	return cmd
}
