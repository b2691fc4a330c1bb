package control

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newController(t *testing.T) (*Controller, string) {
	t.Helper()
	staging := t.TempDir()
	c, err := New(staging, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, staging
}

func writeControl(t *testing.T, staging, name, payload string) {
	t.Helper()
	path := filepath.Join(staging, "control", name)
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))
	// Same-second rewrites can produce identical mtimes on coarse
	// filesystems; bump it explicitly so the cache notices.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestNewSeedsEditableDocuments(t *testing.T) {
	_, staging := newController(t)
	for _, name := range []string{"skip.json", "priority.json", "gentle.json"} {
		_, err := os.Stat(filepath.Join(staging, "control", name))
		assert.NoError(t, err, "%s should be seeded", name)
	}
}

func TestNewKeepsExistingDocuments(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "control"), 0o755))
	existing := `{"paths": ["/media/keep.mkv"]}`
	require.NoError(t, os.WriteFile(filepath.Join(staging, "control", "skip.json"), []byte(existing), 0o644))

	c, err := New(staging, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.ShouldSkip("/media/keep.mkv"))
}

func TestPauseSentinel(t *testing.T) {
	c, staging := newController(t)
	assert.False(t, c.FetchPaused())
	assert.False(t, c.EncodePaused())

	require.NoError(t, os.WriteFile(filepath.Join(staging, "PAUSE"), nil, 0o644))
	assert.True(t, c.FetchPaused())
	assert.True(t, c.EncodePaused())
}

func TestPauseAliases(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		payload     string
		fetchPause  bool
		encodePause bool
	}{
		{"fetch alias", "pause_fetch.json", "", true, false},
		{"encode alias", "pause_encode.json", "", false, true},
		{"all alias", "pause_all.json", "", true, true},
		// Alias filename wins over a contradictory payload.
		{"alias overrides payload", "pause_fetch.json", `{"type": "encode_only"}`, true, false},
		{"canonical all", "pause.json", `{"type": "all"}`, true, true},
		{"canonical encode", "pause.json", `{"type": "encode_only"}`, false, true},
		{"canonical empty means all", "pause.json", "", true, true},
		{"canonical garbage means all", "pause.json", "{not json", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, staging := newController(t)
			writeControl(t, staging, tt.file, tt.payload)
			assert.Equal(t, tt.fetchPause, c.FetchPaused(), "fetch")
			assert.Equal(t, tt.encodePause, c.EncodePaused(), "encode")
		})
	}
}

func TestSkipListCaseInsensitive(t *testing.T) {
	c, staging := newController(t)
	writeControl(t, staging, "skip.json", `{"paths": ["/Media/Movies/Big.Film.mkv"]}`)

	assert.True(t, c.ShouldSkip("/media/movies/big.film.mkv"))
	assert.True(t, c.ShouldSkip("/Media/Movies/Big.Film.mkv"))
	assert.False(t, c.ShouldSkip("/media/movies/other.mkv"))
}

func TestPriorityPaths(t *testing.T) {
	c, staging := newController(t)
	assert.Empty(t, c.PriorityPaths())

	writeControl(t, staging, "priority.json", `{"paths": ["/media/a.mkv", "/media/b.mkv"]}`)
	assert.Equal(t, []string{"/media/a.mkv", "/media/b.mkv"}, c.PriorityPaths())
	assert.True(t, c.IsPriority("/MEDIA/A.MKV"))
	assert.False(t, c.IsPriority("/media/c.mkv"))
}

func TestOverridePrecedence(t *testing.T) {
	c, staging := newController(t)
	writeControl(t, staging, "gentle.json", `{
		"paths": {"/media/exact.mkv": {"cq": 20}},
		"patterns": {"*interstellar*": {"cq_offset": -3}},
		"default_offset": 2
	}`)

	// Exact beats pattern and default.
	ov, ok := c.OverrideFor("/media/exact.mkv")
	require.True(t, ok)
	require.NotNil(t, ov.CQ)
	assert.Equal(t, 20, *ov.CQ)

	// Pattern matches on filename, case-insensitively.
	ov, ok = c.OverrideFor("/media/movies/Interstellar.2014.mkv")
	require.True(t, ok)
	require.NotNil(t, ov.CQOffset)
	assert.Equal(t, -3, *ov.CQOffset)

	// Neither matches: default offset applies.
	ov, ok = c.OverrideFor("/media/other.mkv")
	require.True(t, ok)
	require.NotNil(t, ov.CQOffset)
	assert.Equal(t, 2, *ov.CQOffset)
}

func TestOverrideZeroDefaultMeansNone(t *testing.T) {
	c, staging := newController(t)
	writeControl(t, staging, "gentle.json", `{"paths": {}, "patterns": {}, "default_offset": 0}`)
	_, ok := c.OverrideFor("/media/plain.mkv")
	assert.False(t, ok)
}

func TestUnparsableSkipListTreatedAsAbsent(t *testing.T) {
	c, staging := newController(t)
	writeControl(t, staging, "skip.json", "{broken")
	assert.False(t, c.ShouldSkip("/media/a.mkv"))
}

func TestCacheSeesUpdates(t *testing.T) {
	c, staging := newController(t)
	assert.False(t, c.ShouldSkip("/media/a.mkv"))

	writeControl(t, staging, "skip.json", `{"paths": ["/media/a.mkv"]}`)
	assert.True(t, c.ShouldSkip("/media/a.mkv"))
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*interstellar*", "interstellar.2014.mkv", true},
		{"*interstellar*", "dune.2021.mkv", false},
		{"*.mkv", "a.mkv", true},
		{"show.s0?e*", "show.s01e02.mkv", true},
		{"/media/*/big*", "/media/movies/big.film.mkv", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.name), "%s vs %s", tt.pattern, tt.name)
	}
}
