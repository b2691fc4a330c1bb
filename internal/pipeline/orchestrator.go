package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/control"
	"github.com/av1pipe/av1pipe/internal/encode"
	"github.com/av1pipe/av1pipe/internal/observability"
	"github.com/av1pipe/av1pipe/internal/queue"
	"github.com/av1pipe/av1pipe/internal/report"
	"github.com/av1pipe/av1pipe/internal/state"
	"github.com/av1pipe/av1pipe/internal/util"
	"github.com/av1pipe/av1pipe/pkg/format"
)

// progressEvery controls how often the orchestrator prints a progress
// summary and re-applies control overrides to the queue.
const progressEvery = 5

// idleWait is how long the orchestrator sleeps when nothing is ready but
// the prefetch worker is still running.
const idleWait = 5 * time.Second

// Orchestrator drives the queue through the stage workers, one encode at a
// time, while the prefetch worker keeps the fetch buffer warm.
type Orchestrator struct {
	cfg        *config.Config
	store      *state.Store
	stages     *Stages
	controller *control.Controller
	shutdown   *Shutdown
	logger     *slog.Logger

	items     []queue.Item
	queuedKey map[string]bool // normalized paths present in items
	reportIdx map[string]report.Entry
}

// NewOrchestrator wires the main loop over a built queue.
func NewOrchestrator(cfg *config.Config, store *state.Store, stages *Stages, controller *control.Controller, shutdown *Shutdown, items []queue.Item, rep *report.Report, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		stages:     stages,
		controller: controller,
		shutdown:   shutdown,
		logger:     observability.WithComponent(logger, "orchestrator"),
		items:      items,
		queuedKey:  make(map[string]bool, len(items)),
		reportIdx:  rep.Index(),
	}
	for _, item := range items {
		o.queuedKey[util.PathKey(item.Path)] = true
	}
	return o
}

// Run executes the main loop until the queue drains or shutdown is
// requested. The prefetch worker is started internally and joined before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer observability.TimedOperation(ctx, o.logger, "pipeline run")()

	if n, err := o.store.RecoverZombies(); err != nil {
		return err
	} else if n > 0 {
		o.logger.Info("recovered interrupted files from previous run", slog.Int("count", n))
	}
	if err := o.store.UpdateStats(func(st *state.Stats) {
		st.TotalFiles = len(o.reportIdx)
	}); err != nil {
		return err
	}

	prefetcher := NewPrefetcher(o.stages, o.store, o.controller, o.shutdown, o.logger)
	prefetchDone := make(chan struct{})
	go func() {
		defer close(prefetchDone)
		prefetcher.Run(o.items)
	}()

	processed, lastReport := 0, 0
	for !o.shutdown.Requested() {
		o.controller.WaitWhilePaused(o.allPaused, o.shutdown.Done())
		if o.shutdown.Requested() {
			break
		}

		o.injectPriorityItems()

		if processed != lastReport && processed%progressEvery == 0 {
			lastReport = processed
			o.logProgress(processed)
			o.items = promotePriority(o.items, o.controller.IsPriority)
		}

		item, ok := o.selectNext()
		if !ok {
			if o.allDone() {
				o.logger.Info("queue drained")
				break
			}
			// Something is mid-fetch; give the prefetch worker room.
			select {
			case <-o.shutdown.Done():
			case <-time.After(idleWait):
			}
			continue
		}

		o.advance(ctx, item)
		processed++
	}

	o.shutdown.Request()
	<-prefetchDone
	o.logProgress(processed)
	return o.store.Save()
}

func (o *Orchestrator) allDone() bool {
	for _, item := range o.items {
		if !o.store.StatusOf(item.Path).Done(o.cfg.Behavior.ReplaceOriginal) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) allPaused() bool {
	pt, ok := o.controller.ActivePause()
	return ok && pt == control.PauseAll
}

// injectPriorityItems pulls priority-list paths that are not yet queued out
// of the media report and prepends them. Paths already queued are left
// alone, whatever their position.
func (o *Orchestrator) injectPriorityItems() {
	for _, p := range o.controller.PriorityPaths() {
		key := util.PathKey(p)
		if o.queuedKey[key] {
			continue
		}
		entry, ok := o.reportIdx[key]
		if !ok {
			continue
		}
		if o.store.StatusOf(entry.Filepath).Terminal() {
			continue
		}
		o.logger.Info("injecting priority item", slog.String("file", entry.Filepath))
		item := queue.FromEntry(entry, o.cfg.Tiers)
		o.items = append([]queue.Item{item}, o.items...)
		o.queuedKey[key] = true
	}
}

// promotePriority moves priority-list items to the front, preserving their
// mutual order and the order of everything else.
func promotePriority(items []queue.Item, isPriority func(string) bool) []queue.Item {
	var front, rest []queue.Item
	for _, item := range items {
		if isPriority(item.Path) {
			front = append(front, item)
		} else {
			rest = append(rest, item)
		}
	}
	if len(front) == 0 {
		return items
	}
	return append(front, rest...)
}

// selectNext picks the next item to work on: the first ready-to-advance
// item wins; otherwise the first pending item, with pending priority items
// jumping ahead of everything.
func (o *Orchestrator) selectNext() (queue.Item, bool) {
	var pending *queue.Item
	for i := range o.items {
		item := o.items[i]
		status := o.store.StatusOf(item.Path)
		if status.Terminal() {
			continue
		}
		if o.controller.ShouldSkip(item.Path) {
			o.logger.Info("skipping per control file", slog.String("file", item.Path))
			if err := o.store.Set(item.Path, state.StatusSkipped, func(r *state.FileRecord) {
				r.Reason = "control skip"
			}); err != nil {
				o.logger.Error("state write failed", slog.String("error", err.Error()))
			}
			continue
		}
		if status == state.StatusVerified {
			if o.cfg.Behavior.ReplaceOriginal {
				return item, true
			}
			continue // done: replacement is disabled
		}
		if status.ReadyToAdvance() {
			return item, true
		}
		if status == state.StatusPending {
			if o.controller.IsPriority(item.Path) {
				return item, true
			}
			if pending == nil {
				pending = &o.items[i]
			}
		}
	}
	if pending != nil {
		return *pending, true
	}
	return queue.Item{}, false
}

// advance pushes one item through its remaining stages, checking shutdown
// and pause at every stage boundary. Stage failures are recorded in the
// store and end the item's run; the loop moves on.
func (o *Orchestrator) advance(ctx context.Context, item queue.Item) {
	params := encode.Resolve(&o.cfg.Encoder, item)
	if ov, ok := o.controller.OverrideFor(item.Path); ok {
		params = params.ApplyOverride(ov)
		o.logger.Info("applying encode override",
			slog.String("file", item.Filename),
			slog.Int("cq", params.CQ),
			slog.String("preset", params.Preset))
	}

	for !o.shutdown.Requested() {
		switch status := o.store.StatusOf(item.Path); status {
		case state.StatusPending:
			o.controller.WaitWhilePaused(o.controller.FetchPaused, o.shutdown.Done())
			if o.shutdown.Requested() {
				return
			}
			err := o.stages.Fetch(item)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyClaimed):
				return // prefetch worker has it
			case errors.Is(err, ErrStagingFull), errors.Is(err, ErrFetchBufferFull), errors.Is(err, ErrLowDiskSpace):
				o.logger.Info("staging budget reached, waiting",
					slog.String("reason", err.Error()))
				select {
				case <-o.shutdown.Done():
				case <-time.After(idleWait):
				}
				return
			default:
				o.recordError()
				return
			}

		case state.StatusFetching:
			return // in the prefetch worker's hands

		case state.StatusFetched:
			o.controller.WaitWhilePaused(o.controller.EncodePaused, o.shutdown.Done())
			if o.shutdown.Requested() {
				return
			}
			if err := o.stages.Encode(ctx, item, params); err != nil {
				o.recordError()
				return
			}

		case state.StatusEncoding, state.StatusUploading:
			// Leftover from a crash that startup recovery missed (e.g. a
			// rebuilt queue with a stale state file). Reset and re-run.
			o.recoverInFlight(item, status)

		case state.StatusEncoded:
			if err := o.stages.Upload(item); err != nil {
				o.recordError()
				return
			}

		case state.StatusUploaded:
			if err := o.stages.Verify(ctx, item); err != nil {
				o.recordError()
				return
			}

		case state.StatusVerified:
			if !o.cfg.Behavior.ReplaceOriginal {
				return
			}
			if err := o.stages.Replace(item); err != nil {
				o.recordError()
				return
			}

		case state.StatusReplacing:
			if err := o.stages.Replace(item); err != nil {
				o.recordError()
				return
			}

		default:
			return // terminal
		}
	}
}

func (o *Orchestrator) recoverInFlight(item queue.Item, status state.Status) {
	rec, _ := o.store.Get(item.Path)
	next := state.StatusPending
	switch status {
	case state.StatusEncoding:
		if fileExists(rec.LocalPath) {
			next = state.StatusFetched
		}
	case state.StatusUploading:
		if fileExists(rec.OutputPath) {
			next = state.StatusEncoded
		}
	}
	o.logger.Info("resetting stale in-flight status",
		slog.String("file", item.Path),
		slog.String("from", string(status)),
		slog.String("to", string(next)))
	if err := o.store.Set(item.Path, next, nil); err != nil {
		o.logger.Error("state write failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordError() {
	if err := o.store.UpdateStats(func(st *state.Stats) {
		st.Errors++
	}); err != nil {
		o.logger.Error("state write failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) logProgress(processed int) {
	skipped := o.store.CountByStatus(state.StatusSkipped)
	if err := o.store.UpdateStats(func(st *state.Stats) {
		st.Skipped = skipped
	}); err != nil {
		o.logger.Error("state write failed", slog.String("error", err.Error()))
	}

	st := o.store.Stats()
	avgEncode := 0.0
	if st.Completed > 0 {
		avgEncode = st.TotalEncodeTimeSecs / float64(st.Completed)
	}
	pct := 0.0
	if len(o.items) > 0 {
		pct = 100 * float64(st.Completed) / float64(len(o.items))
	}
	o.logger.Info("progress",
		slog.Int("processed", processed),
		slog.String("queued", format.Number(int64(len(o.items)))),
		slog.String("completed", format.Number(int64(st.Completed))),
		slog.String("pct", format.Percentage(pct)),
		slog.Int("replaced", o.store.CountByStatus(state.StatusReplaced)),
		slog.Int("skipped", st.Skipped),
		slog.Int("errors", st.Errors),
		slog.String("saved", format.Bytes(st.BytesSaved)),
		slog.String("avg_encode_time", format.Seconds(avgEncode)),
		slog.String("eta", format.Duration(o.ETA())),
		slog.String("staging", format.Bytes(dirUsage(o.cfg.Staging.Dir))))

	keys := make([]string, 0, len(st.ResClass))
	for key := range st.ResClass {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rc := st.ResClass[key]
		if rc.Completed == 0 {
			continue
		}
		speed := 0.0
		if rc.TotalEncodeTimeSecs > 0 {
			speed = float64(rc.TotalInputBytes) / rc.TotalEncodeTimeSecs / (1 << 20)
		}
		o.logger.Info("progress by resolution",
			slog.String("class", key),
			slog.Int("completed", rc.Completed),
			slog.String("saved", format.Bytes(rc.BytesSaved)),
			slog.String("avg_per_file", format.Seconds(rc.TotalEncodeTimeSecs/float64(rc.Completed))),
			slog.String("speed", fmt.Sprintf("%.1f MB/s", speed)))
	}
}

// ETA estimates the remaining encode time. Each unfinished item is costed
// at its resolution class's average encode time when at least two samples
// exist for that class, else at the overall average.
func (o *Orchestrator) ETA() time.Duration {
	st := o.store.Stats()
	overallAvg := 0.0
	if st.Completed > 0 {
		overallAvg = st.TotalEncodeTimeSecs / float64(st.Completed)
	}

	total := 0.0
	for _, item := range o.items {
		if o.store.StatusOf(item.Path).Done(o.cfg.Behavior.ReplaceOriginal) {
			continue
		}
		resKey := encode.ResKey(item.ResolutionClass, item.HDR)
		if rc, ok := st.ResClass[resKey]; ok && rc.Completed >= 2 {
			total += rc.TotalEncodeTimeSecs / float64(rc.Completed)
		} else {
			total += overallAvg
		}
	}
	return time.Duration(total * float64(time.Second))
}
