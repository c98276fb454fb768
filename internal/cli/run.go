package cli

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/conduit/internal/metrics"
	"github.com/raphaelgruber/conduit/internal/queue"
	"github.com/raphaelgruber/conduit/internal/tunnel"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tunnel worker",
	Long: `Run starts the long-poll loop against the remote job queue and serves
jobs with the locally-running backends until interrupted. In-flight
jobs are allowed to finish on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		providers, err := buildProviders(cfg)
		if err != nil {
			return err
		}

		collector := metrics.NewCollector()
		q := queue.New(cfg.QueueURL, cfg.QueueToken, cfg.WorkerName)
		runner := tunnel.NewRunner(q, providers, tunnel.Options{
			Concurrency:      cfg.MaxConcurrency,
			PollBackoff:      cfg.PollBackoff,
			ProgressInterval: cfg.ProgressInterval,
			Logger:           slog.Default(),
			Metrics:          collector,
		})

		err = runner.Run(ctx)

		snap := collector.Snapshot()
		slog.Info("tunnel stopped", "uptime_s", fmt.Sprintf("%.0f", snap.UptimeSeconds))
		logJobStats("polls", snap.Polls)
		logJobStats("text_jobs", snap.TextJobs)
		logJobStats("image_jobs", snap.ImageJobs)
		logJobStats("video_jobs", snap.VideoJobs)
		logJobStats("progress", snap.Progress)
		return err
	},
}

func logJobStats(name string, s *metrics.OperationSnapshot) {
	if s == nil {
		return
	}
	slog.Info("stats", "op", name, "count", s.Count, "failures", s.Failures, "avg_ms", s.AvgTimeMs)
}
