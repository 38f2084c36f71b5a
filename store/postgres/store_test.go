//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/schedule"
	"github.com/emberhollow/worldqueue/store/postgres"
	"github.com/emberhollow/worldqueue/turn"
	"github.com/emberhollow/worldqueue/work"
)

// setupStore starts a Postgres container and returns a migrated Store.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("worldqueue_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	st, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		st.Close() //nolint:errcheck
	})

	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func TestPing(t *testing.T) {
	st := setupStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := setupStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestItemRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	it := work.New("world.market_pricing", []byte(`{"RecalculateAllItems":true}`),
		work.WithMaxRetries(5),
		work.WithTimeout(2*time.Minute),
	)
	if err := st.EnqueueItem(ctx, it); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	if err := st.EnqueueItem(ctx, it); !errors.Is(err, worldqueue.ErrItemAlreadyExists) {
		t.Fatalf("expected ErrItemAlreadyExists, got %v", err)
	}

	got, err := st.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.WorkType != "world.market_pricing" {
		t.Errorf("WorkType = %q", got.WorkType)
	}
	if got.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", got.MaxRetries)
	}
	if got.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v", got.Timeout)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d", got.Version)
	}
	if string(got.Payload) != `{"RecalculateAllItems":true}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestClaimNextItem(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	first := work.New("world.dominion_turn", nil)
	if err := st.EnqueueItem(ctx, first); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	second := work.New("world.dominion_turn", nil)
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	second.RunAt = second.CreatedAt
	if err := st.EnqueueItem(ctx, second); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}

	worker := id.NewWorkerID()
	got, err := st.ClaimNextItem(ctx, nil, worker)
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected oldest item first, got %v", got)
	}
	if got.Status != work.StatusRunning {
		t.Errorf("Status = %s", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("claim must bump version, got %d", got.Version)
	}
	if got.ClaimedBy != worker {
		t.Errorf("ClaimedBy = %s", got.ClaimedBy)
	}
	if got.ClaimedAt == nil || got.StartedAt == nil {
		t.Error("expected claim timestamps to be set")
	}
}

func TestClaimRespectsTypeFilterAndRunAt(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	other := work.New("world.civic_stats", nil)
	if err := st.EnqueueItem(ctx, other); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	future := work.New("world.persona_action", nil, work.WithRunAt(time.Now().UTC().Add(time.Hour)))
	if err := st.EnqueueItem(ctx, future); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}

	got, err := st.ClaimNextItem(ctx, []string{"world.persona_action"}, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing claimable, got %s", got.ID)
	}
}

func TestUpdateItemVersionConflict(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	it := work.New("world.market_pricing", nil)
	if err := st.EnqueueItem(ctx, it); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}

	winner, _ := st.GetItem(ctx, it.ID)
	loser, _ := st.GetItem(ctx, it.ID)

	winner.LastError = "first write"
	if err := st.UpdateItem(ctx, winner); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if winner.Version != 2 {
		t.Errorf("expected caller version bumped to 2, got %d", winner.Version)
	}

	loser.LastError = "second write"
	if err := st.UpdateItem(ctx, loser); !errors.Is(err, worldqueue.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	stored, _ := st.GetItem(ctx, it.ID)
	if stored.LastError != "first write" {
		t.Errorf("conflict must leave the row untouched, got %q", stored.LastError)
	}
}

func TestCancelItem(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	it := work.New("world.persona_action", nil)
	if err := st.EnqueueItem(ctx, it); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}

	cancelled, err := st.CancelItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	if cancelled.Status != work.StatusCancelled {
		t.Errorf("Status = %s", cancelled.Status)
	}

	if _, err := st.CancelItem(ctx, it.ID); !errors.Is(err, worldqueue.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if _, err := st.CancelItem(ctx, id.NewWorkItemID()); !errors.Is(err, worldqueue.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestRequeueStuckItems(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	it := work.New("world.dominion_turn", nil)
	if err := st.EnqueueItem(ctx, it); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	if _, err := st.ClaimNextItem(ctx, nil, id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}

	// A generous threshold leaves the fresh claim alone.
	swept, err := st.RequeueStuckItems(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RequeueStuckItems: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("fresh claim must not be swept, got %d", len(swept))
	}

	swept, err = st.RequeueStuckItems(ctx, 0)
	if err != nil {
		t.Fatalf("RequeueStuckItems: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("expected 1 swept item, got %d", len(swept))
	}
	if swept[0].Status != work.StatusPending {
		t.Errorf("Status = %s", swept[0].Status)
	}
	if swept[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d", swept[0].RetryCount)
	}
	if !swept[0].ClaimedBy.IsNil() {
		t.Error("expected claim released")
	}
}

func TestRequeueStuckItemsFailsExhaustedBudget(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	// The stale claim is this item's only attempt; sweeping must fail
	// it rather than hand the handler a run past MaxRetries.
	it := work.New("world.dominion_turn", nil, work.WithMaxRetries(1))
	if err := st.EnqueueItem(ctx, it); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	if _, err := st.ClaimNextItem(ctx, nil, id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}

	swept, err := st.RequeueStuckItems(ctx, 0)
	if err != nil {
		t.Fatalf("RequeueStuckItems: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("expected 1 swept item, got %d", len(swept))
	}
	if swept[0].Status != work.StatusFailed {
		t.Errorf("Status = %s, want failed", swept[0].Status)
	}
	if swept[0].LastError != "claim expired" {
		t.Errorf("LastError = %q", swept[0].LastError)
	}
	if swept[0].CompletedAt == nil {
		t.Error("expected CompletedAt set on terminally failed item")
	}

	// The failed item must never be claimable again.
	got, err := st.ClaimNextItem(ctx, nil, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing claimable, got %s", got.ID)
	}
}

func TestListAndCountItems(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		it := work.New("world.civic_stats", nil)
		it.CreatedAt = it.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := st.EnqueueItem(ctx, it); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}

	items, err := st.ListItemsByStatus(ctx, work.StatusPending, work.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListItemsByStatus: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	count, err := st.CountItems(ctx, work.CountOpts{Status: work.StatusPending})
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
}

func TestTurnJobRoundTripAndConflict(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	j := turn.NewJob("gov-001", "Kingdom of Emberhollow", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err := st.CreateTurnJob(ctx, j); err != nil {
		t.Fatalf("CreateTurnJob: %v", err)
	}

	got, err := st.GetTurnJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetTurnJob: %v", err)
	}
	if got.GovernmentName != "Kingdom of Emberhollow" {
		t.Errorf("GovernmentName = %q", got.GovernmentName)
	}
	if !got.TurnDate.Equal(j.TurnDate) {
		t.Errorf("TurnDate = %v", got.TurnDate)
	}

	got.Status = turn.StatusRunning
	if err := st.UpdateTurnJob(ctx, got); err != nil {
		t.Fatalf("UpdateTurnJob: %v", err)
	}

	stale := *j
	stale.Status = turn.StatusFailed
	if err := st.UpdateTurnJob(ctx, &stale); !errors.Is(err, worldqueue.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	jobs, err := st.ListTurnJobs(ctx, turn.Filter{GovernmentID: "gov-001", Status: turn.StatusRunning})
	if err != nil {
		t.Fatalf("ListTurnJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:         id.NewDeadLetterID(),
		ItemID:     id.NewWorkItemID(),
		WorkType:   "world.persona_action",
		Payload:    []byte(`{}`),
		Error:      "persona not found",
		RetryCount: 3,
		MaxRetries: 3,
		FailedAt:   time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.PushEntry(ctx, entry); err != nil {
		t.Fatalf("PushEntry: %v", err)
	}

	got, err := st.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Error != "persona not found" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.RequeuedAt != nil {
		t.Error("RequeuedAt should start nil")
	}

	if err := st.MarkRequeued(ctx, entry.ID); err != nil {
		t.Fatalf("MarkRequeued: %v", err)
	}
	got, _ = st.GetEntry(ctx, entry.ID)
	if got.RequeuedAt == nil {
		t.Error("expected RequeuedAt stamped")
	}

	purged, err := st.PurgeEntries(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeEntries: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}

func TestScheduleLocking(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(-time.Second)
	entry := &schedule.Entry{
		Entity:    worldqueue.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      "nightly-turns",
		Spec:      "0 3 * * *",
		WorkType:  "world.dominion_turn",
		NextRunAt: &next,
		Enabled:   true,
	}
	if err := st.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	dup := &schedule.Entry{
		Entity:   worldqueue.NewEntity(),
		ID:       id.NewScheduleID(),
		Name:     "nightly-turns",
		Spec:     "@daily",
		WorkType: "world.dominion_turn",
	}
	if err := st.CreateSchedule(ctx, dup); !errors.Is(err, worldqueue.ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got %v", err)
	}

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()

	ok, err := st.AcquireScheduleLock(ctx, entry.ID, w1, time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireScheduleLock: ok=%v err=%v", ok, err)
	}
	ok, err = st.AcquireScheduleLock(ctx, entry.ID, w2, time.Hour)
	if err != nil {
		t.Fatalf("AcquireScheduleLock: %v", err)
	}
	if ok {
		t.Fatal("second worker must not steal a live lock")
	}

	// The holder may re-acquire (extend) its own lock.
	ok, err = st.AcquireScheduleLock(ctx, entry.ID, w1, time.Hour)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}

	if err := st.ReleaseScheduleLock(ctx, entry.ID, w1); err != nil {
		t.Fatalf("ReleaseScheduleLock: %v", err)
	}
	ok, err = st.AcquireScheduleLock(ctx, entry.ID, w2, time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}
