package cancel

import "context"

// Storage is the interface for instance persistence. All mutations to one
// instance must be atomic; UpdateInstance uses optimistic versioning so a
// racing writer fails instead of clobbering state.
type Storage interface {
	// IsProductionSafe returns true if this storage is safe for production use.
	IsProductionSafe() bool

	// CreateInstance persists a new instance record. It fails with
	// AlreadyActiveError if the subscription already has a non-terminal
	// instance; this check is atomic with the insert.
	CreateInstance(ctx context.Context, rec *InstanceRecord) error

	// GetInstance retrieves an instance record, or nil if none exists.
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)

	// UpdateInstance persists rec if the stored version still matches
	// rec.Version, then increments it. A stale version fails with
	// VersionConflictError.
	UpdateInstance(ctx context.Context, rec *InstanceRecord) error

	// ActiveBySubscription returns the non-terminal instance for a
	// subscription, or nil if there is none.
	ActiveBySubscription(ctx context.Context, subscriptionID string) (*InstanceRecord, error)

	// AppendHistory appends one entry to an instance's history. Entries are
	// immutable once written; re-appending an existing sequence number is
	// an error.
	AppendHistory(ctx context.Context, id string, entry HistoryEntry) error

	// History returns an instance's history ordered by sequence number.
	History(ctx context.Context, id string) ([]HistoryEntry, error)

	// ListActive returns all non-terminal instances, for crash recovery.
	ListActive(ctx context.Context) ([]InstanceRecord, error)

	// Requeue atomically resets a FAILED or TIMEOUT instance to PENDING
	// with a cleared result and an incremented retry count. Returns the new
	// retry count, or -1 if the instance is not in a requeueable state.
	Requeue(ctx context.Context, id string) (int, error)

	// Query retrieves instances matching the filter.
	Query(ctx context.Context, filter InstanceFilter) (*InstanceQueryResult, error)

	// CountByStatus counts instances by status.
	CountByStatus(ctx context.Context, statuses ...Status) (int, error)

	// TotalSavings sums SavingsPerYear across a user's COMPLETED instances.
	TotalSavings(ctx context.Context, userID string) (*SavingsSummary, error)
}
