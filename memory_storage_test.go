package cancel

import (
	"context"
	"errors"
	"testing"
)

func seedInstance(t *testing.T, s Storage, id, subscription, user string, status Status) *InstanceRecord {
	t.Helper()
	rec := &InstanceRecord{
		ID:             id,
		SubscriptionID: subscription,
		UserID:         user,
		Status:         status,
		Request: CancellationRequest{
			SubscriptionID: subscription,
			UserID:         user,
			ServiceName:    "svc",
			LoginURL:       "https://svc.example/login",
		},
	}
	if err := s.CreateInstance(context.Background(), rec); err != nil {
		t.Fatalf("CreateInstance %s: %v", id, err)
	}
	return rec
}

func TestMemoryStorageCreateAndGet(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	rec := seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	got, err := s.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil || got.SubscriptionID != "sub-a" {
		t.Fatalf("got = %+v", got)
	}

	missing, err := s.GetInstance(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing instance: got %+v, %v; want nil, nil", missing, err)
	}
}

func TestMemoryStorageActiveUniqueness(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	seedInstance(t, s, "i-1", "sub-a", "u-1", StatusNavigating)

	dup := &InstanceRecord{ID: "i-2", SubscriptionID: "sub-a", UserID: "u-1", Status: StatusPending}
	err := s.CreateInstance(ctx, dup)
	var activeErr *AlreadyActiveError
	if !errors.As(err, &activeErr) {
		t.Fatalf("expected AlreadyActiveError, got %v", err)
	}

	active, err := s.ActiveBySubscription(ctx, "sub-a")
	if err != nil {
		t.Fatalf("ActiveBySubscription: %v", err)
	}
	if active == nil || active.ID != "i-1" {
		t.Errorf("active = %+v, want i-1", active)
	}

	// A terminal instance frees the subscription.
	rec, _ := s.GetInstance(ctx, "i-1")
	rec.Status = StatusCompleted
	if err := s.UpdateInstance(ctx, rec); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	if err := s.CreateInstance(ctx, dup); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestMemoryStorageOptimisticVersioning(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)

	first, _ := s.GetInstance(ctx, "i-1")
	second, _ := s.GetInstance(ctx, "i-1")

	first.Status = StatusStarting
	if err := s.UpdateInstance(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version after update = %d, want 2", first.Version)
	}

	second.Status = StatusFailed
	err := s.UpdateInstance(ctx, second)
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}

	got, _ := s.GetInstance(ctx, "i-1")
	if got.Status != StatusStarting {
		t.Errorf("stale writer clobbered status: %s", got.Status)
	}
}

func TestMemoryStorageHistoryAppendOnly(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)

	if err := s.AppendHistory(ctx, "i-1", HistoryEntry{Seq: 1, Outcome: RecordTransition, To: StatusStarting}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := s.AppendHistory(ctx, "i-1", HistoryEntry{Seq: 2, Outcome: RecordTransition, To: StatusNavigating}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	err := s.AppendHistory(ctx, "i-1", HistoryEntry{Seq: 2, Outcome: RecordFailure})
	if err == nil {
		t.Fatal("duplicate sequence number must fail")
	}

	history, _ := s.History(ctx, "i-1")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Seq != 1 || history[1].Seq != 2 {
		t.Error("history out of order")
	}
}

func TestMemoryStorageRequeue(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	rec := seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)
	_ = s.AppendHistory(ctx, "i-1", HistoryEntry{Seq: 1, Outcome: RecordTransition, From: StatusPending, To: StatusStarting})

	rec.Status = StatusFailed
	rec.Result = &Result{Reason: "boom"}
	if err := s.UpdateInstance(ctx, rec); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	count, err := s.Requeue(ctx, "i-1")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if count != 1 {
		t.Errorf("retry count = %d, want 1", count)
	}

	got, _ := s.GetInstance(ctx, "i-1")
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.Result != nil {
		t.Error("requeue must clear the result")
	}

	history, _ := s.History(ctx, "i-1")
	last := history[len(history)-1]
	if last.To != StatusPending || last.Detail != "requeued" {
		t.Errorf("missing requeue marker, last entry = %+v", last)
	}

	// Non-requeueable states report -1 without touching the record.
	if count, _ := s.Requeue(ctx, "i-1"); count != -1 {
		t.Errorf("requeue of PENDING = %d, want -1", count)
	}
	if count, _ := s.Requeue(ctx, "missing"); count != -1 {
		t.Errorf("requeue of missing = %d, want -1", count)
	}
}

func TestMemoryStorageListActive(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	seedInstance(t, s, "i-1", "sub-a", "u-1", StatusNavigating)
	seedInstance(t, s, "i-2", "sub-b", "u-1", StatusAwaiting2FA)
	done := seedInstance(t, s, "i-3", "sub-c", "u-1", StatusPending)
	done.Status = StatusCompleted
	_ = s.UpdateInstance(ctx, done)

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}
	for _, rec := range active {
		if rec.Status.Terminal() {
			t.Errorf("terminal instance %s in active list", rec.ID)
		}
	}
}

func TestMemoryStorageQuery(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)
	seedInstance(t, s, "i-2", "sub-b", "u-2", StatusPending)
	failed := seedInstance(t, s, "i-3", "sub-c", "u-1", StatusPending)
	failed.Status = StatusFailed
	_ = s.UpdateInstance(ctx, failed)

	byStatus, err := s.Query(ctx, InstanceFilter{Status: []Status{StatusFailed}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if byStatus.Total != 1 || len(byStatus.Instances) != 1 || byStatus.Instances[0].ID != "i-3" {
		t.Errorf("status filter result = %+v", byStatus)
	}

	byUser, _ := s.Query(ctx, InstanceFilter{UserID: "u-1"})
	if byUser.Total != 2 {
		t.Errorf("user filter total = %d, want 2", byUser.Total)
	}

	limited, _ := s.Query(ctx, InstanceFilter{Limit: 1})
	if limited.Total != 3 || len(limited.Instances) != 1 {
		t.Errorf("limited: total = %d, page = %d", limited.Total, len(limited.Instances))
	}
}

func TestMemoryStorageStats(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	a := seedInstance(t, s, "i-1", "sub-a", "u-1", StatusPending)
	a.Status = StatusCompleted
	a.Result = &Result{SavingsPerYear: 120}
	_ = s.UpdateInstance(ctx, a)

	b := seedInstance(t, s, "i-2", "sub-b", "u-1", StatusPending)
	b.Status = StatusCompleted
	b.Result = &Result{SavingsPerYear: 60, ProofMissing: true, Reason: ReasonUnproven}
	_ = s.UpdateInstance(ctx, b)

	seedInstance(t, s, "i-3", "sub-c", "u-2", StatusPending)

	count, err := s.CountByStatus(ctx, StatusCompleted)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if count != 2 {
		t.Errorf("completed count = %d, want 2", count)
	}

	summary, err := s.TotalSavings(ctx, "u-1")
	if err != nil {
		t.Fatalf("TotalSavings: %v", err)
	}
	if summary.CancelledCount != 2 {
		t.Errorf("cancelled count = %d, want 2", summary.CancelledCount)
	}
	if summary.TotalAnnualSavings != 180 {
		t.Errorf("savings = %v, want 180", summary.TotalAnnualSavings)
	}

	empty, _ := s.TotalSavings(ctx, "u-2")
	if empty.CancelledCount != 0 || empty.TotalAnnualSavings != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}
