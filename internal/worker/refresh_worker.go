package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"admissions/internal/amqp"
	"admissions/internal/services"
)

// DatasetRefresher is the part of services.DatasetService the worker drives.
type DatasetRefresher interface {
	Refresh(ctx context.Context, trigger string) (services.LoadResult, error)
	Source() string
}

// RefreshConsumer delivers refresh requests from the broker. amqp.Client
// implements it.
type RefreshConsumer interface {
	ConsumeRefreshRequests(ctx context.Context, handler func(context.Context, *amqp.RefreshRequest) error) error
}

// LoadPruner trims the dataset load journal.
type LoadPruner interface {
	PruneLoads(ctx context.Context, keep int) (int64, error)
}

// DefaultJournalKeep is the number of load journal entries kept by the
// scheduled prune.
const DefaultJournalKeep = 500

// RefreshWorker reloads the dataset on a schedule and on request.
type RefreshWorker struct {
	datasets DatasetRefresher
	interval time.Duration
	consumer RefreshConsumer
	pruner   LoadPruner
	keep     int
}

// NewRefreshWorker returns a worker refreshing every interval. A zero
// interval disables the schedule.
func NewRefreshWorker(datasets DatasetRefresher, interval time.Duration) *RefreshWorker {
	return &RefreshWorker{datasets: datasets, interval: interval, keep: DefaultJournalKeep}
}

// WithConsumer enables refresh requests from the broker.
func (w *RefreshWorker) WithConsumer(c RefreshConsumer) *RefreshWorker {
	w.consumer = c
	return w
}

// WithPruner prunes the load journal to keep entries after each scheduled
// refresh.
func (w *RefreshWorker) WithPruner(p LoadPruner, keep int) *RefreshWorker {
	w.pruner = p
	if keep > 0 {
		w.keep = keep
	}
	return w
}

// Run blocks until ctx is done, running the schedule and the consumer.
func (w *RefreshWorker) Run(ctx context.Context) error {
	var scheduler *gocron.Scheduler
	if w.interval > 0 {
		scheduler = gocron.NewScheduler(time.UTC)
		scheduler.SingletonModeAll()
		if _, err := scheduler.Every(w.interval).WaitForSchedule().Do(w.scheduledRefresh, ctx); err != nil {
			return fmt.Errorf("schedule dataset refresh: %w", err)
		}
		scheduler.StartAsync()
		slog.InfoContext(ctx, "Dataset refresh scheduled", "interval", w.interval, "source", w.datasets.Source())
		defer func() {
			scheduler.Stop()
			slog.InfoContext(ctx, "Dataset refresh scheduler stopped")
		}()
	} else {
		slog.InfoContext(ctx, "Scheduled dataset refresh disabled")
	}

	if w.consumer != nil {
		err := w.consumer.ConsumeRefreshRequests(ctx, w.HandleRefreshRequest)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("consume refresh requests: %w", err)
	}

	<-ctx.Done()
	return nil
}

func (w *RefreshWorker) scheduledRefresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.datasets.Refresh(ctx, services.TriggerSchedule); err != nil {
		slog.ErrorContext(ctx, "Scheduled dataset refresh failed", "error", err)
	}
	w.prune(ctx)
}

func (w *RefreshWorker) prune(ctx context.Context) {
	if w.pruner == nil {
		return
	}
	n, err := w.pruner.PruneLoads(ctx, w.keep)
	if err != nil {
		slog.WarnContext(ctx, "Failed to prune load journal", "error", err)
		return
	}
	if n > 0 {
		slog.DebugContext(ctx, "Load journal pruned", "removed", n, "kept", w.keep)
	}
}

// HandleRefreshRequest refreshes the dataset for a broker request. Requests
// naming another source are acknowledged and ignored. A failed refresh is
// logged and not retried; the schedule picks it up.
func (w *RefreshWorker) HandleRefreshRequest(ctx context.Context, msg *amqp.RefreshRequest) error {
	if msg.Source != "" && msg.Source != w.datasets.Source() {
		slog.InfoContext(ctx, "Ignoring refresh request for another source",
			"id", msg.ID,
			"source", msg.Source,
			"serving", w.datasets.Source())
		return nil
	}

	slog.InfoContext(ctx, "Processing dataset refresh request",
		"id", msg.ID,
		"requested_by", msg.RequestedBy,
		"reason", msg.Reason)

	res, err := w.datasets.Refresh(ctx, services.TriggerMessage)
	if err != nil {
		slog.ErrorContext(ctx, "Requested dataset refresh failed", "id", msg.ID, "error", err)
		return nil
	}
	slog.InfoContext(ctx, "Requested dataset refresh completed",
		"id", msg.ID,
		"version", res.Version,
		"rows", res.Rows)
	return nil
}
