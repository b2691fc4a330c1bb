package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/control"
	"github.com/av1pipe/av1pipe/internal/encode"
	"github.com/av1pipe/av1pipe/internal/ffmpeg"
	"github.com/av1pipe/av1pipe/internal/pipeline"
	"github.com/av1pipe/av1pipe/internal/queue"
	"github.com/av1pipe/av1pipe/internal/report"
	"github.com/av1pipe/av1pipe/internal/state"
	"github.com/av1pipe/av1pipe/pkg/format"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the transcoding pipeline",
	Long: `Build the priority queue from the media report and drain it through
fetch, encode, upload, verify and replace.

The first interrupt requests a graceful stop after the current stage; a
second interrupt forces an immediate exit. An interrupted run resumes from
the state file.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.SilenceUsage = true

	runCmd.Flags().String("report", "", "media report JSON path")
	runCmd.Flags().String("staging", "", "staging directory")
	runCmd.Flags().String("state-file", "", "state file path (default <staging>/pipeline_state.json)")
	runCmd.Flags().Bool("resume", false, "continue from the existing state file (the default when one exists)")
	runCmd.Flags().Bool("dry-run", false, "list what would be processed without touching any files")
	runCmd.Flags().Bool("no-replace", false, "stop after verify, leave originals in place")
	runCmd.Flags().String("audio", "", "audio mode (copy, smart)")
	runCmd.Flags().Int("max-staging-gb", 0, "total staging budget in GB")
	runCmd.Flags().Int("max-fetch-gb", 0, "fetch buffer budget in GB")
	runCmd.Flags().String("tier", "", "only process the named priority tier")
}

// applyFlagOverrides copies explicitly set CLI flags into viper, keeping the
// flag > env > config > default priority.
func applyFlagOverrides(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	if flags.Changed("report") {
		val, _ := flags.GetString("report")
		v.Set("staging.report_path", val)
	}
	if flags.Changed("staging") {
		val, _ := flags.GetString("staging")
		v.Set("staging.dir", val)
	}
	if flags.Changed("state-file") {
		val, _ := flags.GetString("state-file")
		v.Set("staging.state_file", val)
	}
	if flags.Changed("audio") {
		val, _ := flags.GetString("audio")
		v.Set("audio.mode", val)
	}
	if flags.Changed("no-replace") {
		v.Set("behavior.replace_original", false)
	}
	if flags.Changed("max-staging-gb") {
		val, _ := flags.GetInt("max-staging-gb")
		v.Set("staging.max_bytes", int64(val)<<30)
	}
	if flags.Changed("max-fetch-gb") {
		val, _ := flags.GetInt("max-fetch-gb")
		v.Set("staging.max_fetch_bytes", int64(val)<<30)
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	applyFlagOverrides(cmd, viper.GetViper())
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	logger := slog.Default()

	if cfg.Staging.ReportPath == "" {
		return fmt.Errorf("no media report given (--report or staging.report_path)")
	}
	if _, err := os.Stat(cfg.Staging.ReportPath); err != nil {
		return fmt.Errorf("report not found: %s", cfg.Staging.ReportPath)
	}
	if err := os.MkdirAll(cfg.Staging.Dir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	statePath := cfg.Staging.StateFile
	if statePath == "" {
		statePath = filepath.Join(cfg.Staging.Dir, "pipeline_state.json")
	}
	store, err := state.Open(statePath, logger)
	if err != nil {
		return err
	}
	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		logger.Info("resuming from state file", slog.String("state_file", statePath))
	}
	if err := store.SetConfig(cfg); err != nil {
		return err
	}

	rep, err := report.Load(cfg.Staging.ReportPath)
	if err != nil {
		return err
	}

	// "av1_nvenc" encodes the codec av1; queue filtering compares against
	// the bare codec name from ffprobe.
	targetCodec := strings.SplitN(cfg.Encoder.VideoCodec, "_", 2)[0]
	items, err := queue.Build(rep, cfg.Tiers, targetCodec, store, logger)
	if err != nil {
		return err
	}

	if tier, _ := cmd.Flags().GetString("tier"); tier != "" {
		var filtered []queue.Item
		for _, item := range items {
			if strings.EqualFold(item.TierName, tier) {
				filtered = append(filtered, item)
			}
		}
		logger.Info("filtered to tier",
			slog.String("tier", tier),
			slog.Int("files", len(filtered)))
		items = filtered
	}
	if len(items) == 0 {
		logger.Info("nothing to process")
		return nil
	}

	logger.Info("pipeline starting",
		slog.Int("files", len(items)),
		slog.String("staging", cfg.Staging.Dir),
		slog.String("staging_limit", format.Bytes(cfg.Staging.MaxBytes.Bytes())),
		slog.Bool("replace_originals", cfg.Behavior.ReplaceOriginal))

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		printDryRun(cfg, items, logger)
		return nil
	}

	controller, err := control.New(cfg.Staging.Dir, logger)
	if err != nil {
		return err
	}
	defer controller.Close()

	binaries, err := ffmpeg.Resolve(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err != nil {
		return err
	}
	runner := ffmpeg.NewRunner(binaries.FFmpeg, logger)
	prober := ffmpeg.NewProber(binaries.FFprobe)

	shutdown := pipeline.NewShutdown()
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("shutdown requested, finishing current stage (interrupt again to force)")
		interrupted.Store(true)
		shutdown.Request()
		<-sigCh
		logger.Error("forced exit")
		os.Exit(1)
	}()

	stages := pipeline.NewStages(cfg, store, runner, prober, logger)
	orch := pipeline.NewOrchestrator(cfg, store, stages, controller, shutdown, items, rep, logger)
	if err := orch.Run(context.Background()); err != nil {
		return err
	}

	if interrupted.Load() {
		logger.Info("state saved, run again to resume",
			slog.String("state_file", statePath))
	}
	st := store.Stats()
	logger.Info("pipeline finished",
		slog.Int("completed", st.Completed),
		slog.Int("skipped", st.Skipped),
		slog.Int("errors", st.Errors),
		slog.String("saved", format.Bytes(st.BytesSaved)),
		slog.String("encode_time", format.Seconds(st.TotalEncodeTimeSecs)))
	return nil
}

// printDryRun lists the head of the queue with resolved encode parameters.
func printDryRun(cfg *config.Config, items []queue.Item, logger *slog.Logger) {
	logger.Info("dry run, no files will be modified")
	var total int64
	for _, item := range items {
		total += item.SizeBytes
	}
	logger.Info("queue summary",
		slog.String("files", format.Number(int64(len(items)))),
		slog.String("total_size", format.Bytes(total)))

	const listMax = 30
	for i, item := range items {
		if i == listMax {
			logger.Info(fmt.Sprintf("... and %s more files", format.Number(int64(len(items)-listMax))))
			break
		}
		params := encode.Resolve(&cfg.Encoder, item)
		logger.Info(fmt.Sprintf("%4d. [%s] %s (%s, %s, %s, CQ:%d, %s)",
			i+1, item.TierName, item.Filename,
			format.Bytes(item.SizeBytes), item.Codec, item.ResolutionClass,
			params.CQ, params.Preset))
	}
}
