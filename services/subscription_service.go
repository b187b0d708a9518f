package services

import (
	"context"
	"errors"
	"fmt"

	"billingSyncAPI/internal/types/subscription"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionService persists subscription records keyed by the provider
// subscription id.
type SubscriptionService struct {
	db *pgxpool.Pool
}

func NewSubscriptionService(db *pgxpool.Pool) *SubscriptionService {
	return &SubscriptionService{db: db}
}

const subscriptionColumns = `id::text, user_id::text, stripe_customer_id, stripe_subscription_id, stripe_price_id,
	status, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *SubscriptionService) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	FROM subscriptions
	WHERE stripe_subscription_id = $1
	`

	return scanSubscription(s.db.QueryRow(ctx, query, subscriptionID))
}

// FindActiveForCustomer returns an active or trialing subscription of the
// customer other than excludeSubscriptionID, or ErrSubscriptionNotFound.
func (s *SubscriptionService) FindActiveForCustomer(ctx context.Context, customerID, excludeSubscriptionID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	FROM subscriptions
	WHERE stripe_customer_id = $1
	  AND stripe_subscription_id <> $2
	  AND status IN ('active', 'trialing')
	ORDER BY created_at
	LIMIT 1
	`

	return scanSubscription(s.db.QueryRow(ctx, query, customerID, excludeSubscriptionID))
}

// Insert writes a new record. A concurrent insert of the same subscription
// converges on one row through the unique constraint.
func (s *SubscriptionService) Insert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	query := `
	INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		status, current_period_end, cancel_at_period_end, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	ON CONFLICT (stripe_subscription_id) DO UPDATE
	SET status = EXCLUDED.status,
		current_period_end = EXCLUDED.current_period_end,
		cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		updated_at = NOW()
	RETURNING ` + subscriptionColumns

	row := s.db.QueryRow(
		ctx,
		query,
		sub.UserID,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.StripePriceID,
		sub.Status,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
	)

	inserted, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return inserted, nil
}

// UpdateState refreshes status, period end and cancellation flag. It reports
// false when no record matches.
func (s *SubscriptionService) UpdateState(ctx context.Context, update subscription.StateUpdate) (bool, error) {
	query := `
	UPDATE subscriptions
	SET status = $2,
		current_period_end = $3,
		cancel_at_period_end = $4,
		updated_at = NOW()
	WHERE stripe_subscription_id = $1
	`

	tag, err := s.db.Exec(ctx, query, update.StripeSubscriptionID, update.Status, update.CurrentPeriodEnd, update.CancelAtPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{}
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.StripePriceID,
		&sub.Status,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return sub, nil
}
