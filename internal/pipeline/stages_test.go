package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/encode"
	"github.com/av1pipe/av1pipe/internal/ffmpeg"
	"github.com/av1pipe/av1pipe/internal/queue"
	"github.com/av1pipe/av1pipe/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBinary writes an executable shell script standing in for ffmpeg or
// ffprobe.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake subprocess scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// fakeFFmpeg copies its input to its output (both taken from the standard
// argument positions used by the stage workers).
func fakeFFmpeg(t *testing.T) string {
	return fakeBinary(t, `
in=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
cp "$in" "$out"`)
}

func fakeFFprobe(t *testing.T, duration string) string {
	return fakeBinary(t, `echo '{"format": {"duration": "`+duration+`"}}'`)
}

type fixture struct {
	cfg    *config.Config
	store  *state.Store
	stages *Stages
	srcDir string
}

func newFixture(t *testing.T, mutate func(*viper.Viper)) *fixture {
	t.Helper()
	staging := t.TempDir()
	srcDir := t.TempDir()

	v := viper.New()
	config.SetDefaults(v)
	v.Set("staging.dir", staging)
	if mutate != nil {
		mutate(v)
	}
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	store, err := state.Open(filepath.Join(staging, "pipeline_state.json"), testLogger())
	require.NoError(t, err)

	runner := ffmpeg.NewRunner(fakeFFmpeg(t), testLogger())
	prober := ffmpeg.NewProber(fakeFFprobe(t, "100.0"))
	return &fixture{
		cfg:    cfg,
		store:  store,
		stages: NewStages(cfg, store, runner, prober, testLogger()),
		srcDir: srcDir,
	}
}

func (f *fixture) sourceFile(t *testing.T, name string, size int) queue.Item {
	t.Helper()
	path := filepath.Join(f.srcDir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return queue.Item{
		Path:            path,
		Filename:        name,
		SizeBytes:       int64(size),
		DurationSecs:    100.0,
		Codec:           "H.264",
		CodecRaw:        "h264",
		ResolutionClass: "1080p",
		LibraryType:     "movie",
	}
}

func TestFetchStagesFile(t *testing.T) {
	f := newFixture(t, nil)
	item := f.sourceFile(t, "movie.mkv", 2048)

	require.NoError(t, f.stages.Fetch(item))

	rec, ok := f.store.Get(item.Path)
	require.True(t, ok)
	assert.Equal(t, state.StatusFetched, rec.Status)
	assert.Equal(t, int64(2048), rec.InputSizeBytes)
	assert.FileExists(t, rec.LocalPath)
	assert.Contains(t, filepath.Base(rec.LocalPath), "_movie.mkv")
	// Hash prefix is 12 hex chars.
	assert.Len(t, filepath.Base(rec.LocalPath), 12+1+len("movie.mkv"))
}

func TestFetchSourceMissing(t *testing.T) {
	f := newFixture(t, nil)
	item := queue.Item{Path: filepath.Join(f.srcDir, "gone.mkv"), Filename: "gone.mkv"}

	require.NoError(t, f.stages.Fetch(item))

	rec, ok := f.store.Get(item.Path)
	require.True(t, ok)
	assert.Equal(t, state.StatusSkipped, rec.Status)
	assert.Equal(t, "source not found", rec.Reason)
}

func TestFetchStagingBudgetGate(t *testing.T) {
	f := newFixture(t, func(v *viper.Viper) {
		v.Set("staging.max_bytes", 1024)
		v.Set("staging.max_fetch_bytes", 1024)
		v.Set("staging.min_free_bytes", 0)
	})
	item := f.sourceFile(t, "big.mkv", 4096)

	err := f.stages.Fetch(item)
	assert.ErrorIs(t, err, ErrStagingFull)
	// Transient: no state recorded.
	assert.Equal(t, state.StatusPending, f.store.StatusOf(item.Path))
}

func TestFetchBufferBudgetGate(t *testing.T) {
	f := newFixture(t, func(v *viper.Viper) {
		v.Set("staging.max_bytes", 1<<40)
		v.Set("staging.max_fetch_bytes", 1024)
		v.Set("staging.min_free_bytes", 0)
	})
	item := f.sourceFile(t, "big.mkv", 4096)

	err := f.stages.Fetch(item)
	assert.ErrorIs(t, err, ErrFetchBufferFull)
}

func TestFetchFreeSpaceGate(t *testing.T) {
	f := newFixture(t, func(v *viper.Viper) {
		v.Set("staging.max_bytes", 1<<50)
		v.Set("staging.max_fetch_bytes", 1<<50)
		v.Set("staging.min_free_bytes", 1<<50) // more free space than any disk has
	})
	item := f.sourceFile(t, "movie.mkv", 1024)

	err := f.stages.Fetch(item)
	assert.ErrorIs(t, err, ErrLowDiskSpace)
}

func TestFetchAlreadyClaimed(t *testing.T) {
	f := newFixture(t, nil)
	item := f.sourceFile(t, "movie.mkv", 1024)

	claimed, err := f.store.ClaimFetch(item.Path, "/elsewhere")
	require.NoError(t, err)
	require.True(t, claimed)

	assert.ErrorIs(t, f.stages.Fetch(item), ErrAlreadyClaimed)
}

func stageFetched(t *testing.T, f *fixture, item queue.Item, size int) string {
	t.Helper()
	local := filepath.Join(f.cfg.Staging.Dir, "fetch", "abc_"+item.Filename)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, make([]byte, size), 0o644))
	require.NoError(t, f.store.Set(item.Path, state.StatusFetched, func(r *state.FileRecord) {
		r.LocalPath = local
		r.InputSizeBytes = int64(size)
	}))
	return local
}

func TestEncodeSuccess(t *testing.T) {
	f := newFixture(t, nil)
	item := f.sourceFile(t, "movie.mkv", 4096)
	local := stageFetched(t, f, item, 4096)

	params := encode.Resolve(&f.cfg.Encoder, item)
	require.NoError(t, f.stages.Encode(context.Background(), item, params))

	rec, ok := f.store.Get(item.Path)
	require.True(t, ok)
	assert.Equal(t, state.StatusEncoded, rec.Status)
	assert.FileExists(t, rec.OutputPath)
	assert.Equal(t, int64(4096), rec.OutputSizeBytes) // fake ffmpeg copies
	assert.Equal(t, int64(0), rec.BytesSaved)
	assert.InDelta(t, 1.0, rec.CompressionRatio, 0.001)
	assert.GreaterOrEqual(t, rec.EncodeTimeSecs, 0.0)

	// Staged input is freed once the output is durable.
	_, err := os.Stat(local)
	assert.True(t, os.IsNotExist(err))
}

func TestEncodeFailureCleansPartialOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.stages.runner = ffmpeg.NewRunner(fakeBinary(t, "echo 'boom' >&2; exit 1"), testLogger())
	item := f.sourceFile(t, "movie.mkv", 1024)
	stageFetched(t, f, item, 1024)

	err := f.stages.Encode(context.Background(), item, encode.Resolve(&f.cfg.Encoder, item))
	require.Error(t, err)

	rec, ok := f.store.Get(item.Path)
	require.True(t, ok)
	assert.Equal(t, state.StatusError, rec.Status)
	assert.Equal(t, "encode", rec.Stage)
	assert.Contains(t, rec.Error, "boom")
	assert.NoFileExists(t, rec.OutputPath)
}

func TestEncodeMissingStagedInput(t *testing.T) {
	f := newFixture(t, nil)
	item := f.sourceFile(t, "movie.mkv", 1024)
	require.NoError(t, f.store.Set(item.Path, state.StatusFetched, func(r *state.FileRecord) {
		r.LocalPath = filepath.Join(f.cfg.Staging.Dir, "fetch", "missing.mkv")
	}))

	err := f.stages.Encode(context.Background(), item, encode.Resolve(&f.cfg.Encoder, item))
	require.Error(t, err)
	rec, _ := f.store.Get(item.Path)
	assert.Equal(t, state.StatusError, rec.Status)
	assert.Equal(t, "encode", rec.Stage)
}

func stageEncoded(t *testing.T, f *fixture, item queue.Item, size int) string {
	t.Helper()
	output := filepath.Join(f.cfg.Staging.Dir, "encoded", "abc_out.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o755))
	require.NoError(t, os.WriteFile(output, make([]byte, size), 0o644))
	require.NoError(t, f.store.Set(item.Path, state.StatusEncoded, func(r *state.FileRecord) {
		r.OutputPath = output
		r.OutputSizeBytes = int64(size)
		r.InputSizeBytes = item.SizeBytes
		r.EncodeTimeSecs = 60
	}))
	return output
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	item := f.sourceFile(t, "movie.mkv", 4096)
	output := stageEncoded(t, f, item, 1024)

	require.NoError(t, f.stages.Upload(item))

	rec, _ := f.store.Get(item.Path)
	assert.Equal(t, state.StatusUploaded, rec.Status)
	assert.Equal(t, filepath.Join(f.srcDir, "movie.av1.mkv"), rec.DestPath)
	assert.FileExists(t, rec.DestPath)
	assert.NoFileExists(t, output)
}

func TestUploadDestinationExists(t *testing.T) {
	f := newFixture(t, nil) // overwrite disabled by default
	item := f.sourceFile(t, "movie.mkv", 4096)
	output := stageEncoded(t, f, item, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, "movie.av1.mkv"), []byte("old"), 0o644))

	require.NoError(t, f.stages.Upload(item))

	rec, _ := f.store.Get(item.Path)
	assert.Equal(t, state.StatusSkipped, rec.Status)
	assert.Equal(t, "destination exists", rec.Reason)
	assert.NoFileExists(t, output)
}

func TestUploadOverwriteEnabled(t *testing.T) {
	f := newFixture(t, func(v *viper.Viper) {
		v.Set("behavior.overwrite_existing", true)
	})
	item := f.sourceFile(t, "movie.mkv", 4096)
	stageEncoded(t, f, item, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, "movie.av1.mkv"), []byte("old"), 0o644))

	require.NoError(t, f.stages.Upload(item))
	assert.Equal(t, state.StatusUploaded, f.store.StatusOf(item.Path))
}

func stageUploaded(t *testing.T, f *fixture, item queue.Item, destSize int) string {
	t.Helper()
	dest := filepath.Join(f.srcDir, "movie.av1.mkv")
	require.NoError(t, os.WriteFile(dest, make([]byte, destSize), 0o644))
	require.NoError(t, f.store.Set(item.Path, state.StatusUploaded, func(r *state.FileRecord) {
		r.DestPath = dest
		r.InputSizeBytes = item.SizeBytes
		r.EncodeTimeSecs = 60
	}))
	return dest
}

func TestVerify(t *testing.T) {
	f := newFixture(t, nil) // fake ffprobe reports 100.0s, matching the item
	item := f.sourceFile(t, "movie.mkv", 4096)
	stageUploaded(t, f, item, 1024)

	require.NoError(t, f.stages.Verify(context.Background(), item))

	rec, _ := f.store.Get(item.Path)
	assert.Equal(t, state.StatusVerified, rec.Status)
	assert.Equal(t, int64(1024), rec.DestSizeBytes)
	assert.Equal(t, int64(4096-1024), rec.BytesSaved)

	st := f.store.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, int64(4096-1024), st.BytesSaved)
	assert.Equal(t, 60.0, st.TotalEncodeTimeSecs)
	require.Contains(t, st.ResClass, "1080p")
	assert.Equal(t, 1, st.ResClass["1080p"].Completed)
	assert.Equal(t, int64(4096), st.ResClass["1080p"].TotalInputBytes)
	assert.Equal(t, int64(1024), st.ResClass["1080p"].TotalOutputBytes)
}

func TestVerifyDurationMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.stages.prober = ffmpeg.NewProber(fakeFFprobe(t, "50.0"))
	item := f.sourceFile(t, "movie.mkv", 4096)
	stageUploaded(t, f, item, 1024)

	err := f.stages.Verify(context.Background(), item)
	require.Error(t, err)

	rec, _ := f.store.Get(item.Path)
	assert.Equal(t, state.StatusError, rec.Status)
	assert.Equal(t, "verify", rec.Stage)
	assert.Contains(t, rec.Error, "duration mismatch")
}
