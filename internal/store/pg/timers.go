package pg

import (
	"context"
	"encoding/json"

	"giftrelay/internal/store"
)

// StartTimer creates an active timer for (user, order, step) unless one
// already exists, in which case the existing row wins and keeps its
// started_at. Returns the effective timer id and whether a new row was
// created.
func (s *Store) StartTimer(ctx context.Context, in store.TimerInsert) (string, bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO step_timers (id, user_id, order_id, order_step, product_type, started_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		ON CONFLICT (user_id, order_id, order_step) WHERE is_active DO NOTHING
	`, in.ID, in.UserID, in.OrderID, in.OrderStep, in.ProductType, in.Now)
	if err != nil {
		return "", false, store.WrapStorage("start timer", err)
	}
	if ct.RowsAffected() > 0 {
		return in.ID, true, nil
	}
	row := s.DB.QueryRow(ctx, `
		SELECT id FROM step_timers
		WHERE user_id=$1 AND order_id=$2 AND order_step=$3 AND is_active
	`, in.UserID, in.OrderID, in.OrderStep)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", false, store.WrapStorage("start timer lookup", err)
	}
	return id, false, nil
}

// CancelTimers deactivates all active timers for the order, or only the
// named step when orderStep is non-empty.
func (s *Store) CancelTimers(ctx context.Context, userID, orderID int64, orderStep string) (int, error) {
	q := `
		UPDATE step_timers SET is_active=FALSE
		WHERE user_id=$1 AND order_id=$2 AND is_active
	`
	args := []any{userID, orderID}
	if orderStep != "" {
		q += ` AND order_step=$3`
		args = append(args, orderStep)
	}
	ct, err := s.DB.Exec(ctx, q, args...)
	if err != nil {
		return 0, store.WrapStorage("cancel timers", err)
	}
	return int(ct.RowsAffected()), nil
}

// DueFirings joins active timers against active templates for the same
// step, keeps the pairs whose delay has elapsed and that have not fired
// yet, and orders them oldest-timer-first then shortest-delay-first so
// catch-up after downtime replays reminders in logical sequence.
func (s *Store) DueFirings(ctx context.Context, limit int) ([]store.Firing, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT t.id, m.id, t.user_id, t.order_id, t.order_step, m.delay_minutes,
		       m.content, m.message_type, COALESCE(o.user_name,''), COALESCE(o.recipient_name,''), t.started_at
		FROM step_timers t
		JOIN message_templates m ON m.order_step = t.order_step AND m.is_active
		LEFT JOIN orders o ON o.id = t.order_id
		WHERE t.is_active
		  AND t.started_at + make_interval(mins => m.delay_minutes) <= now()
		  AND NOT EXISTS (
			SELECT 1 FROM dedup_entries d
			WHERE d.timer_id = t.id AND d.template_id = m.id
		  )
		ORDER BY t.started_at ASC, m.delay_minutes ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, store.WrapStorage("due firings", err)
	}
	defer rows.Close()

	var out []store.Firing
	for rows.Next() {
		var f store.Firing
		if err := rows.Scan(&f.TimerID, &f.TemplateID, &f.UserID, &f.OrderID, &f.OrderStep,
			&f.DelayMinutes, &f.Content, &f.MessageType, &f.UserName, &f.RecipientName, &f.StartedAt); err != nil {
			return nil, store.WrapStorage("scan firing", err)
		}
		out = append(out, f)
	}
	return out, store.WrapStorage("due firings", rows.Err())
}

// FireTemplate writes the dedup entry and enqueues the rendered task in
// one transaction. If another scheduler instance fired the pair first
// the dedup insert affects zero rows and nothing is enqueued.
func (s *Store) FireTemplate(ctx context.Context, in store.FiringInsert) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, store.WrapStorage("fire template begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO dedup_entries (timer_id, template_id, fired_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (timer_id, template_id) DO NOTHING
	`, in.TimerID, in.TemplateID, in.Task.Now)
	if err != nil {
		return false, store.WrapStorage("dedup insert", err)
	}
	if ct.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	b, _ := json.Marshal(in.Task.Payload)
	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_tasks
			(id, order_id, user_id, kind, payload, status, max_retries, next_attempt_at, is_general_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$8,$7,$7)
	`, in.Task.ID, in.Task.OrderID, in.Task.UserID, in.Task.Kind, b,
		in.Task.MaxRetries, in.Task.Now, in.Task.IsGeneralMessage)
	if err != nil {
		return false, store.WrapStorage("fire enqueue", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, store.WrapStorage("fire template commit", err)
	}
	return true, nil
}

// PurgeOrphanTimers deactivates timers whose order no longer exists so
// the scheduler join stops scanning them.
func (s *Store) PurgeOrphanTimers(ctx context.Context) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE step_timers t SET is_active=FALSE
		WHERE t.is_active
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.id = t.order_id)
	`)
	if err != nil {
		return 0, store.WrapStorage("purge orphan timers", err)
	}
	return int(ct.RowsAffected()), nil
}
