package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/av1pipe/av1pipe/internal/control"
	"github.com/av1pipe/av1pipe/internal/observability"
	"github.com/av1pipe/av1pipe/internal/queue"
	"github.com/av1pipe/av1pipe/internal/state"
)

// emptyPassWait is how long the prefetch worker idles after a pass that
// fetched nothing, giving encodes time to drain the fetch buffer.
const emptyPassWait = 30 * time.Second

// Prefetcher streams upcoming inputs into the staging fetch buffer while
// the orchestrator encodes, bounded by the staging budgets.
type Prefetcher struct {
	stages     *Stages
	store      *state.Store
	controller *control.Controller
	shutdown   *Shutdown
	logger     *slog.Logger
	idle       time.Duration
}

// NewPrefetcher wires the prefetch worker.
func NewPrefetcher(stages *Stages, store *state.Store, controller *control.Controller, shutdown *Shutdown, logger *slog.Logger) *Prefetcher {
	return &Prefetcher{
		stages:     stages,
		store:      store,
		controller: controller,
		shutdown:   shutdown,
		logger:     observability.WithComponent(logger, "prefetch"),
		idle:       emptyPassWait,
	}
}

// Run iterates the queue until shutdown, fetching every item still pending.
// items is read-only; all coordination goes through the state store's
// atomic fetch claim.
func (p *Prefetcher) Run(items []queue.Item) {
	p.logger.Info("prefetch worker started", slog.Int("queue", len(items)))
	for !p.shutdown.Requested() {
		fetched := 0
		for _, item := range items {
			if p.shutdown.Requested() {
				break
			}
			if p.store.StatusOf(item.Path) != state.StatusPending {
				continue
			}
			if p.controller.ShouldSkip(item.Path) {
				continue // the orchestrator records the skip
			}

			p.controller.WaitWhilePaused(p.controller.FetchPaused, p.shutdown.Done())
			if p.shutdown.Requested() {
				break
			}

			err := p.stages.Fetch(item)
			switch {
			case err == nil:
				fetched++
			case errors.Is(err, ErrAlreadyClaimed):
				// Orchestrator got there first.
			case errors.Is(err, ErrStagingFull), errors.Is(err, ErrFetchBufferFull), errors.Is(err, ErrLowDiskSpace):
				// No point trying smaller items; wait for encodes to
				// free space.
				p.logger.Debug("fetch buffer full, backing off", slog.String("reason", err.Error()))
				p.wait()
			default:
				p.logger.Warn("prefetch error",
					slog.String("file", item.Path),
					slog.String("error", err.Error()))
			}
		}
		if fetched == 0 {
			p.wait()
		}
	}
	p.logger.Info("prefetch worker stopped")
}

// wait idles until the backoff elapses, shutdown is requested, or a
// control document changes (a new skip or priority can make the next
// pass worthwhile immediately).
func (p *Prefetcher) wait() {
	select {
	case <-p.shutdown.Done():
	case <-p.controller.Wake():
	case <-time.After(p.idle):
	}
}
