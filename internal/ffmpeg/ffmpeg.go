// Package ffmpeg locates the FFmpeg binaries and runs encode and probe
// subprocesses.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Binaries holds the resolved ffmpeg/ffprobe executable paths.
type Binaries struct {
	FFmpeg  string
	FFprobe string
}

// Resolve locates the binaries, preferring explicit configured paths over a
// PATH lookup.
func Resolve(ffmpegPath, ffprobePath string) (Binaries, error) {
	b := Binaries{FFmpeg: ffmpegPath, FFprobe: ffprobePath}
	var err error
	if b.FFmpeg == "" {
		if b.FFmpeg, err = exec.LookPath("ffmpeg"); err != nil {
			return b, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
	}
	if b.FFprobe == "" {
		if b.FFprobe, err = exec.LookPath("ffprobe"); err != nil {
			return b, fmt.Errorf("ffprobe not found in PATH: %w", err)
		}
	}
	return b, nil
}

// probeResult mirrors the subset of ffprobe's JSON output we care about.
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Prober reads container metadata via ffprobe.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober with the default 30s timeout.
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath, timeout: 30 * time.Second}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Duration returns the container duration in seconds, or 0 when the field
// is missing.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if result.Format.Duration == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", result.Format.Duration, err)
	}
	return secs, nil
}

// Runner spawns ffmpeg subprocesses and keeps the tail of stderr for error
// reporting. Encodes run for hours, so no timeout is applied; cancellation
// comes from the context.
type Runner struct {
	ffmpegPath string
	logger     *slog.Logger
}

// NewRunner creates a process runner for the given ffmpeg binary.
func NewRunner(ffmpegPath string, logger *slog.Logger) *Runner {
	return &Runner{ffmpegPath: ffmpegPath, logger: logger}
}

// stderrTail keeps the last few lines written, enough context to diagnose a
// failed encode without buffering hours of progress output.
type stderrTail struct {
	lines []string
	max   int
	buf   strings.Builder
}

func (t *stderrTail) Write(p []byte) (int, error) {
	for _, b := range p {
		// ffmpeg uses \r for progress updates; treat it as a line break
		// so progress spam does not accumulate.
		if b == '\n' || b == '\r' {
			line := strings.TrimSpace(t.buf.String())
			t.buf.Reset()
			if line == "" {
				continue
			}
			t.lines = append(t.lines, line)
			if len(t.lines) > t.max {
				t.lines = t.lines[len(t.lines)-t.max:]
			}
			continue
		}
		t.buf.WriteByte(b)
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	return strings.Join(t.lines, "; ")
}

// Run executes ffmpeg with the given arguments, returning an error that
// includes the stderr tail on non-zero exit.
func (r *Runner) Run(ctx context.Context, args []string) error {
	tail := &stderrTail{max: 5}
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	cmd.Stderr = tail

	r.logger.Debug("spawning ffmpeg", slog.String("args", strings.Join(args, " ")))
	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg exited with error: %w (%s)", err, tail.String())
	}
	r.logger.Debug("ffmpeg finished", slog.Duration("elapsed", time.Since(start)))
	return nil
}
