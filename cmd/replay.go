package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/config"
	"github.com/zjrosen/stepchat/internal/flags"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/replay"
	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/watcher"
)

var (
	replayWatch bool
	replayTrace bool
	replayVerbose bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Run a scripted transport session through the routing core",
	Long: `Run a scenario file through the routing core on a simulated clock and
print the per-step transcripts, navigation and typing state the host would
have shown.

A scenario names a module (or declares agents inline), the workflow steps
and a timeline of transport and host events:

  name: contract handoff
  module: contracts
  steps:
    - {slug: intake, title: Intake, agent: intake}
    - {slug: draft, title: Draft, agent: drafter}
  events:
    - {at: 0s, kind: message, routing_key: contract-intake, text: Hello}
    - {at: 2s, kind: handoff, routing_key: contract-intake, target: contract-drafting}

With --watch the scenario is re-run whenever it or the config file changes.
With --trace the spans recorded during the run are listed after the report.
With --verbose log entries stream to stderr and warnings are added to the report.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVarP(&replayWatch, "watch", "w", false,
		"re-run when the scenario or config file changes")
	replayCmd.Flags().BoolVarP(&replayTrace, "trace", "t", false,
		"list the tracing spans recorded during the run")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false,
		"stream log entries to stderr while the scenario runs")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	scenarioPath := args[0]
	out := cmd.OutOrStdout()

	if replayVerbose && !log.Initialized() {
		cleanup := log.InitWriter(cmd.ErrOrStderr())
		defer cleanup()
		log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
	}

	if !replayWatch {
		return replayOnce(cmd.Context(), out, scenarioPath, cfg)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watcher.New(watcher.DefaultConfig(scenarioPath, cfgPath))
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	changes, err := w.Start()
	if err != nil {
		return err
	}

	current := cfg
	if err := replayOnce(ctx, out, scenarioPath, current); err != nil {
		cmd.PrintErrln("error:", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			if change.Has(cfgPath) {
				reloaded, err := config.LoadFile(cfgPath)
				if err != nil {
					log.ErrorErr(log.CatConfig, "reloading config", err, "path", cfgPath)
					cmd.PrintErrln("config not reloaded:", err)
				} else {
					current = reloaded
				}
			}
		}
		_, _ = fmt.Fprintf(out, "\n── re-run at %s ──\n\n", time.Now().Format(time.TimeOnly))
		if err := replayOnce(ctx, out, scenarioPath, current); err != nil {
			cmd.PrintErrln("error:", err)
		}
	}
}

func replayOnce(ctx context.Context, out io.Writer, path string, c config.Config) error {
	sc, err := replay.Load(path)
	if err != nil {
		return err
	}

	tc := c.Tracing
	if replayTrace {
		tc = tracing.Config{Enabled: true, Exporter: tracing.ExporterMemory, ServiceName: tc.ServiceName}
	}
	provider, err := tracing.NewProvider(tc)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "tracing shutdown", err)
		}
	}()

	res, err := replay.Run(ctx, sc, replay.Options{
		Source:   agents.NewFileSource(c.AgentsFile),
		Settings: c.Settings,
		Flags:    flags.New(c.Flags),
		Timings:  c.Timings.Handoff(),
		Messages: c.Timings.Messages(),
		Tracer:   provider.Tracer(),
	})
	if err != nil {
		return err
	}
	if err := replay.Render(out, res); err != nil {
		return err
	}
	if replayTrace {
		return replay.RenderSpans(out, provider.Recorded())
	}
	return nil
}
