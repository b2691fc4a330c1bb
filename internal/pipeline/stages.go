// Package pipeline contains the stage workers, the prefetch worker and the
// orchestrator that drives items through fetch, encode, upload, verify and
// replace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/encode"
	"github.com/av1pipe/av1pipe/internal/ffmpeg"
	"github.com/av1pipe/av1pipe/internal/queue"
	"github.com/av1pipe/av1pipe/internal/state"
	"github.com/av1pipe/av1pipe/internal/util"
	"github.com/av1pipe/av1pipe/pkg/format"
)

// Transient fetch gate failures. The caller retries later; no state changes.
var (
	ErrStagingFull     = errors.New("staging budget exhausted")
	ErrFetchBufferFull = errors.New("fetch buffer budget exhausted")
	ErrLowDiskSpace    = errors.New("staging drive below free-space floor")
	ErrAlreadyClaimed  = errors.New("fetch already claimed by another worker")
)

// Stages bundles everything the stage workers need. Each worker owns a
// disjoint filesystem region: fetch/ for inputs, encoded/ for outputs, and
// the source directory on remote storage for upload and replace.
type Stages struct {
	cfg    *config.Config
	store  *state.Store
	runner *ffmpeg.Runner
	prober *ffmpeg.Prober
	logger *slog.Logger
}

// NewStages wires the stage workers.
func NewStages(cfg *config.Config, store *state.Store, runner *ffmpeg.Runner, prober *ffmpeg.Prober, logger *slog.Logger) *Stages {
	return &Stages{cfg: cfg, store: store, runner: runner, prober: prober, logger: logger}
}

func (s *Stages) fetchDir() string   { return filepath.Join(s.cfg.Staging.Dir, "fetch") }
func (s *Stages) encodedDir() string { return filepath.Join(s.cfg.Staging.Dir, "encoded") }

// localFetchPath returns the staged input path for a source file. The hash
// prefix avoids collisions between identically named files and keeps paths
// short.
func (s *Stages) localFetchPath(item queue.Item) string {
	return filepath.Join(s.fetchDir(), util.HashPrefix(item.Path)+"_"+item.Filename)
}

// encodedPath returns the staged encode output path, always an .mkv.
func (s *Stages) encodedPath(item queue.Item) string {
	stem := strings.TrimSuffix(item.Filename, filepath.Ext(item.Filename))
	return filepath.Join(s.encodedDir(), util.HashPrefix(item.Path)+"_"+stem+".mkv")
}

func (s *Stages) failStage(path, stage string, err error) error {
	s.logger.Error("stage failed",
		slog.String("stage", stage),
		slog.String("file", path),
		slog.String("error", err.Error()))
	if serr := s.store.Set(path, state.StatusError, func(r *state.FileRecord) {
		r.Stage = stage
		r.Error = err.Error()
	}); serr != nil {
		return serr
	}
	return err
}

// Fetch copies the source into the staging fetch buffer. Budget and
// free-space gates return transient errors without touching state; a
// missing source transitions SKIPPED.
func (s *Stages) Fetch(item queue.Item) error {
	info, err := os.Stat(item.Path)
	if err != nil {
		s.logger.Warn("source missing, skipping", slog.String("file", item.Path))
		return s.store.Set(item.Path, state.StatusSkipped, func(r *state.FileRecord) {
			r.Reason = "source not found"
		})
	}
	size := info.Size()

	if dirUsage(s.cfg.Staging.Dir)+size > s.cfg.Staging.MaxBytes.Bytes() {
		return ErrStagingFull
	}
	if free, err := diskFree(s.cfg.Staging.Dir); err == nil && free-size < s.cfg.Staging.MinFreeBytes.Bytes() {
		return ErrLowDiskSpace
	}
	if dirUsage(s.fetchDir())+size > s.cfg.Staging.MaxFetchBytes.Bytes() {
		return ErrFetchBufferFull
	}

	localPath := s.localFetchPath(item)
	claimed, err := s.store.ClaimFetch(item.Path, localPath)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyClaimed
	}

	if err := os.MkdirAll(s.fetchDir(), 0o755); err != nil {
		return s.failStage(item.Path, "fetch", err)
	}

	s.logger.Info("fetching",
		slog.String("file", item.Filename),
		slog.String("size", format.Bytes(size)))
	start := time.Now()
	if err := copyFile(item.Path, localPath); err != nil {
		os.Remove(localPath)
		return s.failStage(item.Path, "fetch", err)
	}

	s.logger.Info("fetched",
		slog.String("file", item.Filename),
		slog.String("elapsed", format.Duration(time.Since(start))),
		slog.String("throughput", fmt.Sprintf("%.1f MB/s", throughputMBps(size, time.Since(start)))))
	return s.store.Set(item.Path, state.StatusFetched, func(r *state.FileRecord) {
		r.LocalPath = localPath
		r.InputSizeBytes = size
	})
}

// Encode runs the staged input through NVENC. Containers the encoder cannot
// ingest directly are stream-copied to .mkv first.
func (s *Stages) Encode(ctx context.Context, item queue.Item, params encode.Params) error {
	rec, ok := s.store.Get(item.Path)
	if !ok || rec.LocalPath == "" {
		return s.failStage(item.Path, "encode", errors.New("no staged input recorded"))
	}
	inputPath := rec.LocalPath
	inputInfo, err := os.Stat(inputPath)
	if err != nil {
		return s.failStage(item.Path, "encode", fmt.Errorf("staged input missing: %w", err))
	}
	inputSize := inputInfo.Size()

	remuxPath := ""
	if config.RemuxExtensions[strings.ToLower(filepath.Ext(inputPath))] {
		remuxPath = strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".remux.mkv"
		s.logger.Info("remuxing problematic container",
			slog.String("file", item.Filename),
			slog.String("container", filepath.Ext(inputPath)))
		if err := s.runner.Run(ctx, encode.BuildRemuxArgs(inputPath, remuxPath)); err != nil {
			os.Remove(remuxPath)
			return s.failStage(item.Path, "encode", fmt.Errorf("remux: %w", err))
		}
	}
	encodeInput := inputPath
	if remuxPath != "" {
		encodeInput = remuxPath
	}

	outputPath := s.encodedPath(item)
	if err := os.MkdirAll(s.encodedDir(), 0o755); err != nil {
		return s.failStage(item.Path, "encode", err)
	}
	if err := s.store.Set(item.Path, state.StatusEncoding, func(r *state.FileRecord) {
		r.OutputPath = outputPath
	}); err != nil {
		return err
	}

	s.logger.Info("encoding",
		slog.String("file", item.Filename),
		slog.String("tier", item.TierName),
		slog.String("res_key", params.ResKey),
		slog.Int("cq", params.CQ),
		slog.String("preset", params.Preset),
		slog.String("multipass", params.Multipass))

	start := time.Now()
	if err := s.runner.Run(ctx, encode.BuildArgs(s.cfg, item, params, encodeInput, outputPath)); err != nil {
		os.Remove(outputPath)
		if remuxPath != "" {
			os.Remove(remuxPath)
		}
		return s.failStage(item.Path, "encode", err)
	}
	elapsed := time.Since(start)

	outputInfo, err := os.Stat(outputPath)
	if err != nil {
		return s.failStage(item.Path, "encode", fmt.Errorf("encoder output missing: %w", err))
	}
	outputSize := outputInfo.Size()

	if float64(outputSize) > float64(inputSize)*1.1 {
		s.logger.Warn("encode grew the file",
			slog.String("file", item.Filename),
			slog.String("input", format.Bytes(inputSize)),
			slog.String("output", format.Bytes(outputSize)))
	}
	if item.DurationSecs > 0 {
		if outDur, err := s.prober.Duration(ctx, outputPath); err == nil {
			if math.Abs(outDur-item.DurationSecs) > s.cfg.Verify.DurationToleranceSecs {
				s.logger.Warn("encoded duration drifted from source",
					slog.String("file", item.Filename),
					slog.Float64("source_secs", item.DurationSecs),
					slog.Float64("output_secs", outDur))
			}
		}
	}

	ratio := 0.0
	if inputSize > 0 {
		ratio = float64(outputSize) / float64(inputSize)
	}
	s.logger.Info("encoded",
		slog.String("file", item.Filename),
		slog.String("saved", format.Bytes(inputSize-outputSize)),
		slog.String("ratio", fmt.Sprintf("%.2f", ratio)),
		slog.String("elapsed", format.Duration(elapsed)))

	if err := s.store.Set(item.Path, state.StatusEncoded, func(r *state.FileRecord) {
		r.OutputPath = outputPath
		r.OutputSizeBytes = outputSize
		r.BytesSaved = inputSize - outputSize
		r.CompressionRatio = ratio
		r.EncodeTimeSecs = elapsed.Seconds()
	}); err != nil {
		return err
	}

	// Free staging space as soon as the output is durable.
	if remuxPath != "" {
		os.Remove(remuxPath)
	}
	os.Remove(inputPath)
	return nil
}

// destPath returns the upload target next to the original source.
func destPath(sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return filepath.Join(filepath.Dir(sourcePath), stem+".av1.mkv")
}

// Upload copies the encoded file back next to the original.
func (s *Stages) Upload(item queue.Item) error {
	rec, ok := s.store.Get(item.Path)
	if !ok || rec.OutputPath == "" {
		return s.failStage(item.Path, "upload", errors.New("no encode output recorded"))
	}

	dest := destPath(item.Path)
	if _, err := os.Stat(dest); err == nil && !s.cfg.Behavior.OverwriteExisting {
		s.logger.Warn("destination already exists, skipping",
			slog.String("file", item.Filename),
			slog.String("dest", dest))
		os.Remove(rec.OutputPath)
		return s.store.Set(item.Path, state.StatusSkipped, func(r *state.FileRecord) {
			r.Reason = "destination exists"
		})
	}

	if err := s.store.Set(item.Path, state.StatusUploading, func(r *state.FileRecord) {
		r.DestPath = dest
	}); err != nil {
		return err
	}

	s.logger.Info("uploading",
		slog.String("file", item.Filename),
		slog.String("size", format.Bytes(rec.OutputSizeBytes)))
	start := time.Now()
	if err := copyFile(rec.OutputPath, dest); err != nil {
		return s.failStage(item.Path, "upload", err)
	}
	s.logger.Info("uploaded",
		slog.String("file", item.Filename),
		slog.String("elapsed", format.Duration(time.Since(start))),
		slog.String("throughput", fmt.Sprintf("%.1f MB/s", throughputMBps(rec.OutputSizeBytes, time.Since(start)))))

	if err := s.store.Set(item.Path, state.StatusUploaded, nil); err != nil {
		return err
	}
	os.Remove(rec.OutputPath)
	return nil
}

// Verify probes the uploaded file's duration against the source's recorded
// duration and folds the result into the stats.
func (s *Stages) Verify(ctx context.Context, item queue.Item) error {
	rec, ok := s.store.Get(item.Path)
	if !ok || rec.DestPath == "" {
		return s.failStage(item.Path, "verify", errors.New("no destination recorded"))
	}

	destInfo, err := os.Stat(rec.DestPath)
	if err != nil {
		return s.failStage(item.Path, "verify", fmt.Errorf("destination missing: %w", err))
	}

	if item.DurationSecs > 0 {
		destDur, err := s.prober.Duration(ctx, rec.DestPath)
		if err != nil {
			return s.failStage(item.Path, "verify", err)
		}
		if math.Abs(destDur-item.DurationSecs) > s.cfg.Verify.DurationToleranceSecs {
			return s.failStage(item.Path, "verify",
				fmt.Errorf("duration mismatch: source %.1fs, destination %.1fs", item.DurationSecs, destDur))
		}
	}

	inputSize := rec.InputSizeBytes
	if inputSize == 0 {
		inputSize = item.SizeBytes
	}
	saved := inputSize - destInfo.Size()

	if err := s.store.Set(item.Path, state.StatusVerified, func(r *state.FileRecord) {
		r.DestSizeBytes = destInfo.Size()
		r.BytesSaved = saved
	}); err != nil {
		return err
	}

	resKey := encode.ResKey(item.ResolutionClass, item.HDR)
	return s.store.UpdateStats(func(st *state.Stats) {
		st.Completed++
		st.BytesSaved += saved
		st.TotalEncodeTimeSecs += rec.EncodeTimeSecs
		rc := st.ResClassFor(resKey)
		rc.Completed++
		rc.BytesSaved += saved
		rc.TotalInputBytes += inputSize
		rc.TotalOutputBytes += destInfo.Size()
		rc.TotalEncodeTimeSecs += rec.EncodeTimeSecs
	})
}

// Replace swaps the AV1 file into the original's place. Every step is
// guarded by existence checks, so re-running the protocol from any partial
// state converges without losing the AV1 output:
//
//  1. source -> source.original.bak (when the backup is absent)
//  2. destination .av1.mkv -> final <stem>.mkv
//  3. delete the backup
func (s *Stages) Replace(item queue.Item) error {
	source := item.Path
	rec, _ := s.store.Get(item.Path)
	dest := rec.DestPath
	if dest == "" {
		dest = destPath(source)
	}
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	final := filepath.Join(filepath.Dir(source), stem+".mkv")
	backup := source + ".original.bak"

	if err := s.store.Set(item.Path, state.StatusReplacing, func(r *state.FileRecord) {
		r.DestPath = dest
		r.BackupPath = backup
	}); err != nil {
		return err
	}

	fail := func(err error) error {
		s.logger.Error("replace failed, manual recovery paths",
			slog.String("backup", backup),
			slog.String("av1", dest),
			slog.String("target", final))
		return s.failStage(item.Path, "replace", err)
	}

	if fileExists(source) && !fileExists(backup) {
		if err := os.Rename(source, backup); err != nil {
			return fail(fmt.Errorf("backing up original: %w", err))
		}
	}
	if fileExists(dest) {
		// os.Rename replaces an existing target on POSIX, which is the
		// force-replace the both-exist case needs.
		if err := os.Rename(dest, final); err != nil {
			return fail(fmt.Errorf("moving AV1 into place: %w", err))
		}
	}
	if fileExists(backup) {
		if err := os.Remove(backup); err != nil {
			return fail(fmt.Errorf("removing backup: %w", err))
		}
	}

	s.logger.Info("replaced original",
		slog.String("file", item.Filename),
		slog.String("final", final))
	return s.store.Set(item.Path, state.StatusReplaced, func(r *state.FileRecord) {
		r.FinalPath = final
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func throughputMBps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) / (1 << 20) / secs
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
