// Package control exposes the operator-facing filesystem control channel:
// pause sentinels, a skip list, a priority list and per-file encode
// overrides. The pipeline only ever reads these documents; the operator (or
// the dashboard) writes them.
package control

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/av1pipe/av1pipe/internal/util"
)

// PauseType selects which half of the pipeline a pause applies to.
type PauseType string

const (
	PauseAll        PauseType = "all"
	PauseFetchOnly  PauseType = "fetch_only"
	PauseEncodeOnly PauseType = "encode_only"
)

// Override is a per-file encode parameter override. When CQ is set it wins
// outright; otherwise CQOffset is added to the resolved value.
type Override struct {
	CQOffset *int    `json:"cq_offset,omitempty"`
	CQ       *int    `json:"cq,omitempty"`
	Preset   *string `json:"preset,omitempty"`
}

type pathsDoc struct {
	Paths []string `json:"paths"`
}

type overridesDoc struct {
	Paths         map[string]Override `json:"paths"`
	Patterns      map[string]Override `json:"patterns"`
	DefaultOffset int                 `json:"default_offset"`
}

type pauseDoc struct {
	Type PauseType `json:"type"`
}

// cachedDoc tracks one control document by mtime so repeated reads during a
// long run stay cheap.
type cachedDoc struct {
	mtime  time.Time
	absent bool
	value  any
}

// Controller reads the control directory at <staging>/control/ plus the bare
// PAUSE sentinel in <staging>/ itself. Safe for concurrent use.
type Controller struct {
	stagingDir string
	controlDir string
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedDoc

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
}

// Skip/priority/override documents that get seeded on first run so the
// operator can edit them in place.
var seededDocs = map[string]string{
	"skip.json":     `{"paths": []}` + "\n",
	"priority.json": `{"paths": []}` + "\n",
	"gentle.json":   `{"paths": {}, "patterns": {}, "default_offset": 0}` + "\n",
}

// New creates the control directory, seeds the editable documents when they
// are absent, and starts a watcher that invalidates the read cache on any
// change.
func New(stagingDir string, logger *slog.Logger) (*Controller, error) {
	controlDir := filepath.Join(stagingDir, "control")
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return nil, err
	}
	for name, payload := range seededDocs {
		path := filepath.Join(controlDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
				return nil, err
			}
		}
	}

	c := &Controller{
		stagingDir: stagingDir,
		controlDir: controlDir,
		logger:     logger,
		cache:      make(map[string]*cachedDoc),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// The watcher is an optimization; mtime polling still works
		// without it.
		logger.Warn("control watcher unavailable, falling back to polling",
			slog.String("error", err.Error()))
		return c, nil
	}
	if err := watcher.Add(controlDir); err != nil {
		watcher.Close()
		logger.Warn("control watcher unavailable, falling back to polling",
			slog.String("error", err.Error()))
		return c, nil
	}
	_ = watcher.Add(stagingDir) // PAUSE sentinel lives one level up
	c.watcher = watcher
	go c.watch()
	return c, nil
}

// Close stops the change watcher.
func (c *Controller) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *Controller) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.mu.Lock()
			delete(c.cache, filepath.Base(ev.Name))
			c.mu.Unlock()
			select {
			case c.wake <- struct{}{}:
			default:
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("control watcher error", slog.String("error", err.Error()))
		}
	}
}

// Wake returns a channel that receives after any control document changes.
// Pause loops select on it to react promptly instead of sleeping out the
// full poll interval.
func (c *Controller) Wake() <-chan struct{} {
	return c.wake
}

// readDoc loads and caches one document. parse receives the raw bytes and
// returns the parsed value; implied is the fallback used for empty files or
// parse failures (nil means treat those as absent).
func (c *Controller) readDoc(dir, name string, parse func([]byte) (any, error), implied any) (any, bool) {
	path := filepath.Join(dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		c.mu.Lock()
		c.cache[name] = &cachedDoc{absent: true}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	if doc, ok := c.cache[name]; ok && !doc.absent && doc.mtime.Equal(fi.ModTime()) {
		v := doc.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var value any
	if len(strings.TrimSpace(string(data))) == 0 {
		value = implied
	} else if parsed, perr := parse(data); perr == nil {
		value = parsed
	} else if implied != nil {
		c.logger.Warn("control file unparsable, using implied payload",
			slog.String("file", name), slog.String("error", perr.Error()))
		value = implied
	} else {
		c.logger.Warn("control file unparsable, ignoring",
			slog.String("file", name), slog.String("error", perr.Error()))
		c.mu.Lock()
		c.cache[name] = &cachedDoc{mtime: fi.ModTime(), absent: true}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.cache[name] = &cachedDoc{mtime: fi.ModTime(), value: value}
	c.mu.Unlock()
	return value, true
}

func parsePauseDoc(data []byte) (any, error) {
	var doc pauseDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	switch doc.Type {
	case PauseFetchOnly, PauseEncodeOnly:
		return doc.Type, nil
	default:
		return PauseAll, nil
	}
}

// ActivePause returns the currently active pause type, if any. The bare
// PAUSE sentinel and the pause_* aliases always mean their implied type;
// only the canonical pause.json carries a free-form type field.
func (c *Controller) ActivePause() (PauseType, bool) {
	if _, err := os.Stat(filepath.Join(c.stagingDir, "PAUSE")); err == nil {
		return PauseAll, true
	}
	aliases := []struct {
		name    string
		implied PauseType
	}{
		{"pause_all.json", PauseAll},
		{"pause_fetch.json", PauseFetchOnly},
		{"pause_encode.json", PauseEncodeOnly},
	}
	for _, a := range aliases {
		implied := a.implied
		if _, ok := c.readDoc(c.controlDir, a.name, func([]byte) (any, error) {
			// Alias filename decides the type regardless of payload.
			return implied, nil
		}, implied); ok {
			return implied, true
		}
	}
	if v, ok := c.readDoc(c.controlDir, "pause.json", parsePauseDoc, PauseAll); ok {
		return v.(PauseType), true
	}
	return "", false
}

// FetchPaused reports whether fetching should stall.
func (c *Controller) FetchPaused() bool {
	pt, ok := c.ActivePause()
	return ok && (pt == PauseAll || pt == PauseFetchOnly)
}

// EncodePaused reports whether encoding should stall.
func (c *Controller) EncodePaused() bool {
	pt, ok := c.ActivePause()
	return ok && (pt == PauseAll || pt == PauseEncodeOnly)
}

// WaitWhilePaused blocks while paused returns true, re-checking whenever the
// control directory changes or the poll interval elapses. It returns early
// when stop yields.
func (c *Controller) WaitWhilePaused(paused func() bool, stop <-chan struct{}) {
	if !paused() {
		return
	}
	c.logger.Info("paused, waiting for control files to clear")
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for paused() {
		select {
		case <-stop:
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
	c.logger.Info("pause cleared, resuming")
}

func (c *Controller) pathsFrom(name string) []string {
	v, ok := c.readDoc(c.controlDir, name, func(data []byte) (any, error) {
		var doc pathsDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc.Paths, nil
	}, nil)
	if !ok || v == nil {
		return nil
	}
	paths, _ := v.([]string)
	return paths
}

// ShouldSkip reports whether path is on the operator skip list. Matching is
// case-insensitive after normalization.
func (c *Controller) ShouldSkip(path string) bool {
	key := util.PathKey(path)
	for _, p := range c.pathsFrom("skip.json") {
		if util.PathKey(p) == key {
			return true
		}
	}
	return false
}

// PriorityPaths returns the operator priority list in file order.
func (c *Controller) PriorityPaths() []string {
	return c.pathsFrom("priority.json")
}

// IsPriority reports whether path is on the priority list.
func (c *Controller) IsPriority(path string) bool {
	key := util.PathKey(path)
	for _, p := range c.PriorityPaths() {
		if util.PathKey(p) == key {
			return true
		}
	}
	return false
}

// OverrideFor resolves the encode override for path from gentle.json.
// Exact path match wins over glob pattern match wins over default_offset.
// The second return is false when no override applies.
func (c *Controller) OverrideFor(path string) (Override, bool) {
	v, ok := c.readDoc(c.controlDir, "gentle.json", func(data []byte) (any, error) {
		var doc overridesDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	}, nil)
	if !ok || v == nil {
		return Override{}, false
	}
	doc := v.(*overridesDoc)

	key := util.PathKey(path)
	for p, ov := range doc.Paths {
		if util.PathKey(p) == key {
			return ov, true
		}
	}

	base := strings.ToLower(filepath.Base(path))
	for pattern, ov := range doc.Patterns {
		if globMatch(strings.ToLower(pattern), base) || globMatch(strings.ToLower(pattern), key) {
			return ov, true
		}
	}

	if doc.DefaultOffset != 0 {
		off := doc.DefaultOffset
		return Override{CQOffset: &off}, true
	}
	return Override{}, false
}

// globMatch matches shell-style patterns where * and ? may span path
// separators, which is what operators writing "*interstellar*" expect.
func globMatch(pattern, name string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
