package cancel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStorage implements Storage using PostgreSQL. Instance records
// live in tableName; history entries in tableName + "_history", keyed by
// (instance_id, seq). A partial unique index on subscription_id over
// non-terminal rows enforces the one-active-instance invariant in the
// database itself.
type PostgresStorage struct {
	db           *sql.DB
	tableName    string
	historyTable string
}

// NewPostgresStorage creates a new PostgresStorage.
// tableName defaults to "cancellation_instances" if empty.
func NewPostgresStorage(db *sql.DB, tableName string) (*PostgresStorage, error) {
	if tableName == "" {
		tableName = "cancellation_instances"
	}
	if !validTableName.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name: %s", tableName)
	}
	return &PostgresStorage{
		db:           db,
		tableName:    tableName,
		historyTable: tableName + "_history",
	}, nil
}

// IsProductionSafe returns true - PostgresStorage is production safe.
func (s *PostgresStorage) IsProductionSafe() bool {
	return true
}

// EnsureSchema creates the instance and history tables if they do not exist.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				subscription_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'PENDING',
				request JSONB NOT NULL DEFAULT '{}',
				session_handle TEXT NOT NULL DEFAULT '',
				pending_signal TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				result JSONB,
				version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
			)`, s.tableName),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s_active_subscription
			ON %s (subscription_id)
			WHERE status NOT IN ('COMPLETED', 'FAILED', 'TIMEOUT')`, s.tableName, s.tableName),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				instance_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				entry JSONB NOT NULL,
				PRIMARY KEY (instance_id, seq)
			)`, s.historyTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateInstance persists a new instance record.
func (s *PostgresStorage) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	requestJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, subscription_id, user_id, status, request, session_handle, pending_signal, retry_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', '', 0, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at
	`, s.tableName)

	err = s.db.QueryRowContext(ctx, query, rec.ID, rec.SubscriptionID, rec.UserID, rec.Status, requestJSON).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			active, lookupErr := s.ActiveBySubscription(ctx, rec.SubscriptionID)
			if lookupErr == nil && active != nil {
				return NewAlreadyActiveError(rec.SubscriptionID, active.ID)
			}
			return NewAlreadyActiveError(rec.SubscriptionID, "")
		}
		return fmt.Errorf("insert: %w", err)
	}
	rec.Version = 1
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const instanceColumns = "id, subscription_id, user_id, status, request, session_handle, pending_signal, retry_count, result, version, created_at, updated_at"

func scanInstance(row interface{ Scan(...any) error }) (*InstanceRecord, error) {
	var (
		rec         InstanceRecord
		requestJSON []byte
		resultJSON  sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.SubscriptionID,
		&rec.UserID,
		&rec.Status,
		&requestJSON,
		&rec.SessionHandle,
		&rec.PendingSignal,
		&rec.RetryCount,
		&resultJSON,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(requestJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if resultJSON.Valid {
		var res Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		rec.Result = &res
	}
	return &rec, nil
}

// GetInstance retrieves an instance record.
func (s *PostgresStorage) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, instanceColumns, s.tableName)
	rec, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rec, nil
}

// UpdateInstance persists rec under optimistic versioning.
func (s *PostgresStorage) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	var resultJSON any
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(b)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, session_handle = $2, pending_signal = $3, retry_count = $4,
		    result = $5, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $6 AND version = $7
		RETURNING version, updated_at
	`, s.tableName)

	err := s.db.QueryRowContext(ctx, query,
		rec.Status, rec.SessionHandle, rec.PendingSignal, rec.RetryCount,
		resultJSON, rec.ID, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		existing, lookupErr := s.GetInstance(ctx, rec.ID)
		if lookupErr != nil {
			return lookupErr
		}
		if existing == nil {
			return NewUnknownInstanceError(rec.ID)
		}
		return NewVersionConflictError(rec.ID, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// ActiveBySubscription returns the non-terminal instance for a subscription.
func (s *PostgresStorage) ActiveBySubscription(ctx context.Context, subscriptionID string) (*InstanceRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE subscription_id = $1 AND status NOT IN ($2, $3, $4)
	`, instanceColumns, s.tableName)

	rec, err := scanInstance(s.db.QueryRowContext(ctx, query, subscriptionID, StatusCompleted, StatusFailed, StatusTimeout))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rec, nil
}

// AppendHistory appends one entry to an instance's history.
func (s *PostgresStorage) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (instance_id, seq, entry) VALUES ($1, $2, $3)`, s.historyTable)
	if _, err := s.db.ExecContext(ctx, query, id, entry.Seq, entryJSON); err != nil {
		if isUniqueViolation(err) {
			return NewVersionConflictError(id, int64(entry.Seq))
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// History returns an instance's history in sequence order.
func (s *PostgresStorage) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	query := fmt.Sprintf(`SELECT entry FROM %s WHERE instance_id = $1 ORDER BY seq`, s.historyTable)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entryJSON []byte
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var entry HistoryEntry
		if err := json.Unmarshal(entryJSON, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListActive returns all non-terminal instances.
func (s *PostgresStorage) ListActive(ctx context.Context) ([]InstanceRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at
	`, instanceColumns, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusCompleted, StatusFailed, StatusTimeout)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Requeue atomically resets a FAILED or TIMEOUT instance to PENDING.
func (s *PostgresStorage) Requeue(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var oldStatus Status
	selectQuery := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, s.tableName)
	err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&oldStatus)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("select: %w", err)
	}
	if oldStatus != StatusFailed && oldStatus != StatusTimeout {
		return -1, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, result = NULL, pending_signal = '', session_handle = '',
		    retry_count = retry_count + 1, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		RETURNING retry_count
	`, s.tableName)

	var retryCount int
	if err := tx.QueryRowContext(ctx, query, StatusPending, id).Scan(&retryCount); err != nil {
		return -1, fmt.Errorf("update: %w", err)
	}

	// Requeue marker: replay ignores history before the latest return to
	// PENDING, so the fresh run re-executes every activity.
	marker := HistoryEntry{
		From:    oldStatus,
		To:      StatusPending,
		Outcome: RecordTransition,
		Detail:  "requeued",
	}
	seqQuery := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE instance_id = $1`, s.historyTable)
	if err := tx.QueryRowContext(ctx, seqQuery, id).Scan(&marker.Seq); err != nil {
		return -1, fmt.Errorf("next seq: %w", err)
	}
	tsQuery := `SELECT CURRENT_TIMESTAMP`
	if err := tx.QueryRowContext(ctx, tsQuery).Scan(&marker.Timestamp); err != nil {
		return -1, fmt.Errorf("timestamp: %w", err)
	}
	entryJSON, err := json.Marshal(marker)
	if err != nil {
		return -1, fmt.Errorf("marshal marker: %w", err)
	}
	insertQuery := fmt.Sprintf(`INSERT INTO %s (instance_id, seq, entry) VALUES ($1, $2, $3)`, s.historyTable)
	if _, err := tx.ExecContext(ctx, insertQuery, id, marker.Seq, entryJSON); err != nil {
		return -1, fmt.Errorf("insert marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("commit: %w", err)
	}
	return retryCount, nil
}

// Query retrieves instances matching the filter.
func (s *PostgresStorage) Query(ctx context.Context, filter InstanceFilter) (*InstanceQueryResult, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, instanceColumns, s.tableName)
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE 1=1`, s.tableName)
	args := []any{}
	argIndex := 1

	if len(filter.Status) > 0 {
		placeholders := ""
		for i, st := range filter.Status {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", argIndex)
			args = append(args, st)
			argIndex++
		}
		statusFilter := fmt.Sprintf(" AND status IN (%s)", placeholders)
		query += statusFilter
		countQuery += statusFilter
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIndex)
		countQuery += fmt.Sprintf(" AND user_id = $%d", argIndex)
		args = append(args, filter.UserID)
		argIndex++
	}

	if filter.CreatedAfter != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		countQuery += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, *filter.CreatedAfter)
		argIndex++
	}

	if filter.CreatedBefore != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		countQuery += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, *filter.CreatedBefore)
		argIndex++
	}

	if filter.UpdatedAfter != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIndex)
		countQuery += fmt.Sprintf(" AND updated_at >= $%d", argIndex)
		args = append(args, *filter.UpdatedAfter)
		argIndex++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var instances []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		instances = append(instances, *rec)
	}

	return &InstanceQueryResult{
		Instances: instances,
		Total:     total,
	}, rows.Err()
}

// CountByStatus counts instances by status.
func (s *PostgresStorage) CountByStatus(ctx context.Context, statuses ...Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status IN (`, s.tableName)
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	query += ")"

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// TotalSavings sums savings across a user's completed instances.
func (s *PostgresStorage) TotalSavings(ctx context.Context, userID string) (*SavingsSummary, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM((result->>'savingsPerYear')::numeric), 0), COUNT(*)
		FROM %s
		WHERE user_id = $1 AND status = $2 AND result IS NOT NULL
	`, s.tableName)

	summary := &SavingsSummary{}
	err := s.db.QueryRowContext(ctx, query, userID, StatusCompleted).
		Scan(&summary.TotalAnnualSavings, &summary.CancelledCount)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return summary, nil
}

// Ensure PostgresStorage implements Storage.
var _ Storage = (*PostgresStorage)(nil)
