package queue

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/report"
	"github.com/av1pipe/av1pipe/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.json"), testLogger())
	require.NoError(t, err)
	return s
}

func entry(path, codec, codecRaw, res string, sizeBytes int64, bitrateKbps int) report.Entry {
	return report.Entry{
		Filepath:           path,
		Filename:           filepath.Base(path),
		FileSizeBytes:      sizeBytes,
		OverallBitrateKbps: bitrateKbps,
		Video: report.VideoInfo{
			Codec:           codec,
			CodecRaw:        codecRaw,
			ResolutionClass: res,
		},
		LibraryType: "movie",
	}
}

func TestBuildOrdering(t *testing.T) {
	// A is H.264 1080p (tier 0), B is bloated HEVC 4K (tier 2), C is
	// already AV1 and must be skipped. Queue order is A then B.
	rep := &report.Report{Files: []report.Entry{
		{Filepath: "/media/A.mkv", Filename: "A.mkv", FileSizeBytes: 5 << 30, OverallBitrateKbps: 8000,
			Video: report.VideoInfo{Codec: "H.264", CodecRaw: "h264", ResolutionClass: "1080p"}},
		{Filepath: "/media/B.mkv", Filename: "B.mkv", FileSizeBytes: 40 << 30, OverallBitrateKbps: 30000,
			Video: report.VideoInfo{Codec: "HEVC (H.265)", CodecRaw: "hevc", ResolutionClass: "4K"}},
		{Filepath: "/media/C.mkv", Filename: "C.mkv", FileSizeBytes: 2 << 30, OverallBitrateKbps: 4000,
			Video: report.VideoInfo{Codec: "AV1", CodecRaw: "av1", ResolutionClass: "1080p"}},
	}}
	store := testStore(t)

	items, err := Build(rep, config.DefaultTiers(), "av1", store, testLogger())
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "/media/A.mkv", items[0].Path)
	assert.Equal(t, "/media/B.mkv", items[1].Path)
	assert.Equal(t, 0, items[0].Tier)
	assert.Equal(t, 2, items[1].Tier)

	rec, ok := store.Get("/media/C.mkv")
	require.True(t, ok)
	assert.Equal(t, state.StatusSkipped, rec.Status)
	assert.Equal(t, "already target codec", rec.Reason)
}

func TestBuildSkipsUnknownCodec(t *testing.T) {
	rep := &report.Report{Files: []report.Entry{
		entry("/media/mystery.mkv", "", "", "1080p", 1<<30, 5000),
		entry("/media/mystery2.mkv", "Unknown", "unknown", "1080p", 1<<30, 5000),
	}}
	store := testStore(t)

	items, err := Build(rep, config.DefaultTiers(), "av1", store, testLogger())
	require.NoError(t, err)
	assert.Empty(t, items)

	for _, p := range []string{"/media/mystery.mkv", "/media/mystery2.mkv"} {
		rec, ok := store.Get(p)
		require.True(t, ok)
		assert.Equal(t, state.StatusSkipped, rec.Status)
		assert.Equal(t, "unknown codec", rec.Reason)
	}
}

func TestBuildExcludesTerminal(t *testing.T) {
	rep := &report.Report{Files: []report.Entry{
		entry("/media/done.mkv", "H.264", "h264", "1080p", 1<<30, 5000),
		entry("/media/todo.mkv", "H.264", "h264", "1080p", 1<<30, 5000),
	}}
	store := testStore(t)
	require.NoError(t, store.Set("/media/done.mkv", state.StatusReplaced, nil))

	items, err := Build(rep, config.DefaultTiers(), "av1", store, testLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/media/todo.mkv", items[0].Path)
	// Completed records keep their status across rebuilds.
	assert.Equal(t, state.StatusReplaced, store.StatusOf("/media/done.mkv"))
}

func TestBuildKeepsInProgress(t *testing.T) {
	rep := &report.Report{Files: []report.Entry{
		entry("/media/half.mkv", "H.264", "h264", "1080p", 1<<30, 5000),
	}}
	store := testStore(t)
	require.NoError(t, store.Set("/media/half.mkv", state.StatusFetched, nil))

	items, err := Build(rep, config.DefaultTiers(), "av1", store, testLogger())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSizeDescendingWithinTier(t *testing.T) {
	rep := &report.Report{Files: []report.Entry{
		entry("/media/small.mkv", "H.264", "h264", "1080p", 2<<30, 5000),
		entry("/media/big.mkv", "H.264", "h264", "1080p", 20<<30, 5000),
		entry("/media/mid.mkv", "H.264", "h264", "1080p", 8<<30, 5000),
	}}
	store := testStore(t)

	items, err := Build(rep, config.DefaultTiers(), "av1", store, testLogger())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "/media/big.mkv", items[0].Path)
	assert.Equal(t, "/media/mid.mkv", items[1].Path)
	assert.Equal(t, "/media/small.mkv", items[2].Path)
}

func TestFromEntryOtherTier(t *testing.T) {
	tiers := []config.Tier{
		{Name: "H.264 1080p", Codec: "H.264", Resolution: "1080p"},
	}
	item := FromEntry(entry("/media/vc1.mkv", "VC-1", "vc1", "1080p", 1<<30, 5000), tiers)
	assert.Equal(t, len(tiers), item.Tier)
	assert.Equal(t, "other", item.TierName)
}

func TestFromEntryBitrateBounds(t *testing.T) {
	tiers := config.DefaultTiers()

	// 4K HEVC at 30 Mbps is "Bloated HEVC 4K" (index 2).
	hot := FromEntry(entry("/media/hot.mkv", "HEVC (H.265)", "hevc", "4K", 40<<30, 30000), tiers)
	assert.Equal(t, "Bloated HEVC 4K", hot.TierName)

	// 4K HEVC at 18 Mbps falls through to the <=20Mbps tier.
	cool := FromEntry(entry("/media/cool.mkv", "HEVC (H.265)", "hevc", "4K", 20<<30, 18000), tiers)
	assert.Equal(t, "HEVC 4K <=20Mbps", cool.TierName)
}
