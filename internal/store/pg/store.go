package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftrelay/internal/domain"
	"giftrelay/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) EnqueueTask(ctx context.Context, in store.TaskInsert) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_tasks
			(id, order_id, user_id, kind, payload, status, max_retries, next_attempt_at, is_general_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$8,$7,$7)
	`, in.ID, in.OrderID, in.UserID, in.Kind, b, in.MaxRetries, in.Now, in.IsGeneralMessage)
	return store.WrapStorage("enqueue task", err)
}

// ClaimPendingTasks atomically flips a bounded batch of due pending
// tasks to processing and returns them. SKIP LOCKED keeps concurrent
// worker replicas from claiming the same row.
func (s *Store) ClaimPendingTasks(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE delivery_tasks SET status='processing', updated_at=$1
		WHERE id IN (
			SELECT id FROM delivery_tasks
			WHERE status='pending' AND next_attempt_at <= $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id, order_id, user_id, kind, payload, status, retry_count, max_retries,
		          next_attempt_at, is_general_message, COALESCE(last_error,''), created_at, updated_at, sent_at
	`, now, limit)
	if err != nil {
		return nil, store.WrapStorage("claim tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) MarkTaskSent(ctx context.Context, taskID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_tasks SET status='sent', sent_at=$2, updated_at=$2
		WHERE id=$1 AND status='processing'
	`, taskID, now)
	return store.WrapStorage("mark sent", err)
}

func (s *Store) MarkTaskFailed(ctx context.Context, taskID, reason string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_tasks
		SET status='failed', retry_count=retry_count+1, last_error=$2, updated_at=$3
		WHERE id=$1 AND status='processing'
	`, taskID, reason, now)
	return store.WrapStorage("mark failed", err)
}

// ScheduleTaskRetry reverts a processing task to pending with a bumped
// retry count and a backoff deadline.
func (s *Store) ScheduleTaskRetry(ctx context.Context, taskID, reason string, nextAttempt, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_tasks
		SET status='pending', retry_count=retry_count+1, last_error=$2, next_attempt_at=$3, updated_at=$4
		WHERE id=$1 AND status='processing'
	`, taskID, reason, nextAttempt, now)
	return store.WrapStorage("schedule retry", err)
}

// ReleaseTask gives a processing task back to the pending pool without
// consuming a retry. Used when the send never happened (rate limit
// slot, open breaker).
func (s *Store) ReleaseTask(ctx context.Context, taskID string, nextAttempt, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_tasks SET status='pending', next_attempt_at=$2, updated_at=$3
		WHERE id=$1 AND status='processing'
	`, taskID, nextAttempt, now)
	return store.WrapStorage("release task", err)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.DeliveryTask, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, order_id, user_id, kind, payload, status, retry_count, max_retries,
		       next_attempt_at, is_general_message, COALESCE(last_error,''), created_at, updated_at, sent_at
		FROM delivery_tasks WHERE id=$1
	`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeliveryTask{}, false, nil
		}
		return domain.DeliveryTask{}, false, store.WrapStorage("get task", err)
	}
	return t, true, nil
}

// RequeueStuckProcessing returns tasks abandoned mid-flight by a
// crashed worker to the pending pool.
func (s *Store) RequeueStuckProcessing(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE delivery_tasks SET status='pending', updated_at=$1
		WHERE status='processing' AND updated_at < $2
	`, now, now.Add(-staleAfter))
	if err != nil {
		return 0, store.WrapStorage("requeue stuck", err)
	}
	return int(ct.RowsAffected()), nil
}

// PurgeOrphanTasks removes tasks whose order has been deleted. Sent
// tasks are otherwise retained as an audit trail.
func (s *Store) PurgeOrphanTasks(ctx context.Context) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM delivery_tasks t
		WHERE NOT EXISTS (SELECT 1 FROM orders o WHERE o.id = t.order_id)
	`)
	if err != nil {
		return 0, store.WrapStorage("purge orphan tasks", err)
	}
	return int(ct.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.DeliveryTask, error) {
	var t domain.DeliveryTask
	var payload []byte
	err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Kind, &payload, &t.Status,
		&t.RetryCount, &t.MaxRetries, &t.NextAttemptAt, &t.IsGeneralMessage,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt, &t.SentAt)
	if err != nil {
		return domain.DeliveryTask{}, err
	}
	_ = json.Unmarshal(payload, &t.Payload)
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]domain.DeliveryTask, error) {
	var out []domain.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.WrapStorage("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapStorage("scan tasks", err)
	}
	return out, nil
}
