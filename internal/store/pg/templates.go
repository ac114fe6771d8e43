package pg

import (
	"context"

	"giftrelay/internal/domain"
	"giftrelay/internal/store"
)

// ListTemplates returns the admin-authored templates. The templates
// table is owned by the admin backend; this side only reads it.
func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.MessageTemplate, error) {
	q := `
		SELECT id, message_type, content, order_step, delay_minutes, is_active
		FROM message_templates
	`
	if activeOnly {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY order_step, delay_minutes`

	rows, err := s.DB.Query(ctx, q)
	if err != nil {
		return nil, store.WrapStorage("list templates", err)
	}
	defer rows.Close()

	var out []domain.MessageTemplate
	for rows.Next() {
		var m domain.MessageTemplate
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Content, &m.OrderStep, &m.DelayMinutes, &m.IsActive); err != nil {
			return nil, store.WrapStorage("scan template", err)
		}
		out = append(out, m)
	}
	return out, store.WrapStorage("list templates", rows.Err())
}
