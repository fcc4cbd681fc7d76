package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snbwriter/internal/config"
	"snbwriter/internal/inhibit"
	"snbwriter/internal/metrics"
	"snbwriter/internal/record"
	"snbwriter/internal/writer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const FAILURE_POLL = 100 * time.Millisecond

var (
	target    string
	backend   string
	wait      string
	blockSize string
	duration  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Write trigger records to the selected target",
	Long: `Run the writer: a fake record source feeds the record queue, the writer lays
every fragment into its own block on the selected target and reports written
trigger numbers to the inhibit agent.

Stops on SIGINT/SIGTERM, after --duration, or when the writer hits a fatal
error. The superblock is finalized on a clean stop.

Examples:
  # Write to the primary target with the defaults
  snbwriter run

  # Secondary target, io_uring, sleeping completion waits
  snbwriter run --target secondary --backend uring --wait blocking

  # Environment overrides
  SNB_WRITER_BLOCK_SIZE=4MiB SNB_LOGGING_LEVEL=DEBUG snbwriter run`,
	RunE: runWriter,
}

func init() {
	runCmd.Flags().StringVar(&target, "target", "", "primary or secondary (writer.target)")
	runCmd.Flags().StringVar(&backend, "backend", "", "aio or uring (writer.backend)")
	runCmd.Flags().StringVar(&wait, "wait", "", "busy or blocking (writer.wait)")
	runCmd.Flags().StringVar(&blockSize, "block-size", "", "block size, e.g. 1MiB (writer.block_size)")
	runCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long, 0 runs until interrupted")
}

// flagOverrides maps the flags the user actually set onto config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	o := make(map[string]any)
	flags := cmd.Flags()
	if flags.Changed("target") {
		o["writer.target"] = target
	}
	if flags.Changed("backend") {
		o["writer.backend"] = backend
	}
	if flags.Changed("wait") {
		o["writer.wait"] = wait
	}
	if flags.Changed("block-size") {
		o["writer.block_size"] = blockSize
	}
	if flags.Changed("no-direct") {
		o["writer.direct"] = !noDirect
	}
	return o
}

func runWriter(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile(), flagOverrides(cmd))
	if err != nil {
		return err
	}
	if err := InitLogger(cfg.Logging.Level); err != nil {
		return err
	}
	wcfg, err := writer.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	log := slog.With("src", "Run")
	log.Info("Configuration loaded", "target", cfg.Writer.Target, "path", wcfg.Path,
		"block", cfg.Writer.BlockSize, "source", configSource())

	m := startMetrics(ctx, cfg.Metrics)

	queue := record.CreateQueue(cfg.Source.QueueSize)
	agent := inhibit.NewAgent(cfg.Inhibit.Threshold, cfg.Inhibit.Interval,
		inhibit.WithOnChange(func(i inhibit.Inhibit) { m.SetInhibit(i.Busy) }))
	producer := record.NewFakeProducer(record.ProducerConfig{
		Rate:         cfg.Source.Rate,
		Fragments:    cfg.Source.Fragments,
		FragmentSize: int(cfg.Source.FragmentSize),
		RunNumber:    cfg.Source.RunNumber,
		Seed:         cfg.Source.Seed,
	}, queue, agent.SetLatestIssued)

	w := writer.New(queue, writer.WithAgent(agent), writer.WithMetrics(m))
	if err := w.Configure(wcfg); err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	srcCtx, srcCancel := context.WithCancel(ctx)
	srcDone := make(chan error, 1)
	go func() { srcDone <- producer.Run(srcCtx) }()

	awaitShutdown(ctx, w)
	log.Info("Shutting down")
	srcCancel()
	<-srcDone

	err = w.Stop()
	st := w.Stats()
	log.Info("Stopped", "records", st.Records, "blocks", st.Blocks, "bytes", st.Bytes,
		"oversize", st.Oversize, "degraded", st.Degraded, "last", st.LastWritten)
	return err
}

// awaitShutdown blocks until ctx is done or the writer gives up on its own.
func awaitShutdown(ctx context.Context, w *writer.Writer) {
	ticker := time.NewTicker(FAILURE_POLL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Failed() {
				return
			}
		}
	}
}

// startMetrics returns nil when metrics are disabled, the recorders are nil-safe.
func startMetrics(ctx context.Context, cfg config.MetricsConfig) *metrics.Metrics {
	if !cfg.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	go func() {
		if err := metrics.Serve(ctx, cfg.Addr, reg); err != nil {
			slog.Error("metrics server stopped", "src", "Run", "err", err)
		}
	}()
	return m
}

func configSource() string {
	if GetConfigFile() != "" {
		return GetConfigFile()
	}
	return "defaults"
}
