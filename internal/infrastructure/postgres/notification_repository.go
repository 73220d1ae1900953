package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/tenant"
)

type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, scope tenant.Scope, params notification.CreateParams) (*notification.Notification, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(params.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification data: %w", err)
	}

	query := `
		INSERT INTO notifications (id, tenant_id, title, message, category, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, tenant_id, title, message, category, data, created_at
	`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query,
		uuid.New(), tenantID, params.Title, params.Message, params.Category, dataJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) List(ctx context.Context, scope tenant.Scope, limit, offset int) ([]*notification.Notification, int, error) {
	filter, err := scope.Filter()
	if err != nil {
		return nil, 0, err
	}

	var total int
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE ($1::text IS NULL OR tenant_id = $1)`,
		filter,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	query := `
		SELECT id, tenant_id, title, message, category, data, created_at
		FROM notifications
		WHERE ($1::text IS NULL OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, total, nil
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var n notification.Notification
	var dataBytes []byte

	if err := row.Scan(&n.ID, &n.TenantID, &n.Title, &n.Message, &n.Category, &dataBytes, &n.CreatedAt); err != nil {
		return nil, err
	}
	if len(dataBytes) > 0 {
		if err := json.Unmarshal(dataBytes, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification data: %w", err)
		}
	}
	return &n, nil
}
