package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"admissions/internal/amqp"
	"admissions/internal/services"
)

type fakeDatasets struct {
	mu       sync.Mutex
	triggers []string
	err      error
}

func (f *fakeDatasets) Refresh(_ context.Context, trigger string) (services.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return services.LoadResult{}, f.err
	}
	return services.LoadResult{Version: uint64(len(f.triggers)), Rows: 3}, nil
}

func (f *fakeDatasets) Source() string { return "s3://bucket/admissions.csv" }

func (f *fakeDatasets) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type fakePruner struct {
	mu   sync.Mutex
	keep []int
}

func (p *fakePruner) PruneLoads(_ context.Context, keep int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keep = append(p.keep, keep)
	return 2, nil
}

type fakeConsumer struct {
	msgs []*amqp.RefreshRequest
	errs []error
}

func (c *fakeConsumer) ConsumeRefreshRequests(ctx context.Context, handler func(context.Context, *amqp.RefreshRequest) error) error {
	for _, m := range c.msgs {
		c.errs = append(c.errs, handler(ctx, m))
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleRefreshRequest(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		refreshed bool
	}{
		{"any source", "", true},
		{"matching source", "s3://bucket/admissions.csv", true},
		{"other source", "s3://bucket/other.csv", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			datasets := &fakeDatasets{}
			w := NewRefreshWorker(datasets, 0)

			msg := amqp.NewRefreshRequest(tt.source, "test", "")
			if err := w.HandleRefreshRequest(context.Background(), msg); err != nil {
				t.Fatalf("HandleRefreshRequest: %v", err)
			}
			got := datasets.calls()
			if tt.refreshed && (len(got) != 1 || got[0] != services.TriggerMessage) {
				t.Errorf("expected one message refresh, got %v", got)
			}
			if !tt.refreshed && len(got) != 0 {
				t.Errorf("expected no refresh, got %v", got)
			}
		})
	}
}

func TestHandleRefreshRequest_FailureIsAcknowledged(t *testing.T) {
	datasets := &fakeDatasets{err: errors.New("bucket unreachable")}
	w := NewRefreshWorker(datasets, 0)

	if err := w.HandleRefreshRequest(context.Background(), amqp.NewRefreshRequest("", "test", "")); err != nil {
		t.Errorf("failed refresh should not requeue the request: %v", err)
	}
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	datasets := &fakeDatasets{}
	consumer := &fakeConsumer{msgs: []*amqp.RefreshRequest{
		amqp.NewRefreshRequest("", "cli", "new export"),
		amqp.NewRefreshRequest("s3://elsewhere/x.csv", "cli", ""),
	}}
	w := NewRefreshWorker(datasets, 0).WithConsumer(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if got := datasets.calls(); len(got) != 1 {
		t.Errorf("refreshes = %v, want exactly one", got)
	}
}

func TestRun_ScheduledRefreshPrunesJournal(t *testing.T) {
	datasets := &fakeDatasets{}
	pruner := &fakePruner{}
	w := NewRefreshWorker(datasets, 50*time.Millisecond).WithPruner(pruner, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := datasets.calls()
	if len(got) == 0 {
		t.Fatal("expected at least one scheduled refresh")
	}
	for _, trigger := range got {
		if trigger != services.TriggerSchedule {
			t.Errorf("trigger = %q, want %q", trigger, services.TriggerSchedule)
		}
	}

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if len(pruner.keep) == 0 || pruner.keep[0] != 10 {
		t.Errorf("expected prune with keep=10, got %v", pruner.keep)
	}
}

func TestRun_DisabledScheduleWaitsForCancel(t *testing.T) {
	datasets := &fakeDatasets{}
	w := NewRefreshWorker(datasets, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := datasets.calls(); len(got) != 0 {
		t.Errorf("expected no refresh, got %v", got)
	}
}
