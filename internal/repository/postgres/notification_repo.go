package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"churchevents/internal/domain"
)

type notificationRepository struct {
	DB *sql.DB
}

func NewNotificationRepository(db *sql.DB) domain.NotificationRepository {
	return &notificationRepository{DB: db}
}

// Record inserts the delivery unless the (notification, request) pair is already stored.
func (r *notificationRepository) Record(ctx context.Context, n domain.NotificationLog) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO payment_notifications (notification_id, request_id, gateway_payment_id, action, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, request_id) DO NOTHING`,
		n.NotificationID, n.RequestID, n.GatewayPaymentID, n.Action, n.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return affected == 1, nil
}

func (r *notificationRepository) MarkProcessed(ctx context.Context, notificationID, requestID string, at time.Time, processingErr string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE payment_notifications
		SET processed_at = $3, processing_error = $4
		WHERE notification_id = $1 AND request_id = $2`,
		notificationID, requestID, at, processingErr,
	)
	if err != nil {
		return fmt.Errorf("mark notification processed: %w", err)
	}
	return nil
}
