package cancel

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage implements Storage using in-memory maps.
// WARNING: Not production safe - use only for testing and single-process
// deployments that can tolerate losing in-flight instances on restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	instances map[string]*InstanceRecord
	history   map[string][]HistoryEntry
}

// NewMemoryStorage creates a new MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		instances: make(map[string]*InstanceRecord),
		history:   make(map[string][]HistoryEntry),
	}
}

// IsProductionSafe returns false - MemoryStorage is not production safe.
func (s *MemoryStorage) IsProductionSafe() bool {
	return false
}

// CreateInstance persists a new instance record.
func (s *MemoryStorage) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instances {
		if existing.SubscriptionID == rec.SubscriptionID && !existing.Status.Terminal() {
			return NewAlreadyActiveError(rec.SubscriptionID, existing.ID)
		}
	}

	now := time.Now()
	stored := *rec
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.instances[rec.ID] = &stored

	rec.Version = stored.Version
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetInstance retrieves an instance record.
func (s *MemoryStorage) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.instances[id]; ok {
		// Return a copy to avoid race conditions
		copy := *rec
		return &copy, nil
	}
	return nil, nil
}

// UpdateInstance persists rec under optimistic versioning.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[rec.ID]
	if !ok {
		return NewUnknownInstanceError(rec.ID)
	}
	if stored.Version != rec.Version {
		return NewVersionConflictError(rec.ID, rec.Version)
	}

	updated := *rec
	updated.Version = stored.Version + 1
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now()
	s.instances[rec.ID] = &updated

	rec.Version = updated.Version
	rec.UpdatedAt = updated.UpdatedAt
	return nil
}

// ActiveBySubscription returns the non-terminal instance for a subscription.
func (s *MemoryStorage) ActiveBySubscription(ctx context.Context, subscriptionID string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.instances {
		if rec.SubscriptionID == subscriptionID && !rec.Status.Terminal() {
			copy := *rec
			return &copy, nil
		}
	}
	return nil, nil
}

// AppendHistory appends one entry to an instance's history.
func (s *MemoryStorage) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[id]
	for _, e := range entries {
		if e.Seq == entry.Seq {
			return NewVersionConflictError(id, int64(entry.Seq))
		}
	}
	s.history[id] = append(entries, entry)
	return nil
}

// History returns an instance's history in sequence order.
func (s *MemoryStorage) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[id]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// ListActive returns all non-terminal instances.
func (s *MemoryStorage) ListActive(ctx context.Context) ([]InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []InstanceRecord
	for _, rec := range s.instances {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Requeue atomically resets a FAILED or TIMEOUT instance to PENDING.
func (s *MemoryStorage) Requeue(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return -1, nil
	}
	if rec.Status != StatusFailed && rec.Status != StatusTimeout {
		return -1, nil
	}

	from := rec.Status
	rec.Status = StatusPending
	rec.Result = nil
	rec.PendingSignal = ""
	rec.SessionHandle = ""
	rec.RetryCount++
	rec.Version++
	rec.UpdatedAt = time.Now()

	// History stays append-only: the requeue marker tells replay to ignore
	// everything before it, so the fresh run re-executes every activity.
	s.history[id] = append(s.history[id], HistoryEntry{
		Seq:       len(s.history[id]) + 1,
		Timestamp: rec.UpdatedAt,
		From:      from,
		To:        StatusPending,
		Outcome:   RecordTransition,
		Detail:    "requeued",
	})
	return rec.RetryCount, nil
}

// Query retrieves instances matching the filter.
func (s *MemoryStorage) Query(ctx context.Context, filter InstanceFilter) (*InstanceQueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var instances []InstanceRecord
	for _, rec := range s.instances {
		if len(filter.Status) > 0 {
			found := false
			for _, st := range filter.Status {
				if rec.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}

		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.CreatedAfter != nil && rec.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && rec.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		if filter.UpdatedAfter != nil && rec.UpdatedAt.Before(*filter.UpdatedAfter) {
			continue
		}

		instances = append(instances, *rec)
	}

	total := len(instances)

	if filter.Offset > 0 && filter.Offset < len(instances) {
		instances = instances[filter.Offset:]
	} else if filter.Offset >= len(instances) {
		instances = nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(instances) > limit {
		instances = instances[:limit]
	}

	return &InstanceQueryResult{
		Instances: instances,
		Total:     total,
	}, nil
}

// CountByStatus counts instances by status.
func (s *MemoryStorage) CountByStatus(ctx context.Context, statuses ...Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.instances {
		for _, st := range statuses {
			if rec.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

// TotalSavings sums savings across a user's completed instances.
func (s *MemoryStorage) TotalSavings(ctx context.Context, userID string) (*SavingsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &SavingsSummary{}
	for _, rec := range s.instances {
		if rec.UserID != userID || rec.Status != StatusCompleted || rec.Result == nil {
			continue
		}
		summary.TotalAnnualSavings += rec.Result.SavingsPerYear
		summary.CancelledCount++
	}
	return summary, nil
}

// Ensure MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)
