package services

import (
	"context"
	"errors"
	"fmt"

	"billingSyncAPI/internal/types/subscription"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrWebhookEventNotFound = errors.New("webhook event not found")

// WebhookEventService keeps one row per provider event id so redeliveries of
// an already reconciled event can be short-circuited.
type WebhookEventService struct {
	db *pgxpool.Pool
}

func NewWebhookEventService(db *pgxpool.Pool) *WebhookEventService {
	return &WebhookEventService{db: db}
}

// Record stores the event if it is new. It reports true when the event was
// seen before and finished without a processing error.
func (s *WebhookEventService) Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	query := `
	INSERT INTO billing_webhook_events (provider_event_id, event_type, payload, created_at, updated_at)
	VALUES ($1, $2, $3, NOW(), NOW())
	ON CONFLICT (provider_event_id) DO UPDATE
	SET updated_at = NOW()
	RETURNING processed_at IS NOT NULL AND COALESCE(processing_error, '') = ''
	`

	var alreadyProcessed bool
	if err := s.db.QueryRow(ctx, query, eventID, eventType, payload).Scan(&alreadyProcessed); err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return alreadyProcessed, nil
}

// MarkProcessed stamps the event with the outcome. An empty processingError
// means success.
func (s *WebhookEventService) MarkProcessed(ctx context.Context, eventID, processingError string) error {
	query := `
	UPDATE billing_webhook_events
	SET processed_at = NOW(),
		processing_error = $2,
		updated_at = NOW()
	WHERE provider_event_id = $1
	`

	if _, err := s.db.Exec(ctx, query, eventID, processingError); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

func (s *WebhookEventService) Get(ctx context.Context, eventID string) (*subscription.WebhookEvent, error) {
	query := `
	SELECT id, provider_event_id, event_type, payload, processed_at, processing_error, created_at, updated_at
	FROM billing_webhook_events
	WHERE provider_event_id = $1
	`

	ev := &subscription.WebhookEvent{}
	err := s.db.QueryRow(ctx, query, eventID).Scan(
		&ev.ID,
		&ev.ProviderEventID,
		&ev.EventType,
		&ev.Payload,
		&ev.ProcessedAt,
		&ev.ProcessingError,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}
