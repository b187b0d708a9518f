package subscription

import "time"

// Event types the reconciler acts on. Everything else is acknowledged.
const (
	EventCheckoutSessionCompleted   = "checkout.session.completed"
	EventSubscriptionCreated        = "customer.subscription.created"
	EventSubscriptionUpdated        = "customer.subscription.updated"
	EventSubscriptionDeleted        = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd   = "customer.subscription.trial_will_end"
	EventSubscriptionPendingApplied = "customer.subscription.pending_update_applied"
	EventSubscriptionPendingExpired = "customer.subscription.pending_update_expired"
)

// CheckoutCompletion is the provider-neutral view of a completed checkout session.
type CheckoutCompletion struct {
	SessionID         string
	SubscriptionID    string `validate:"required"`
	CustomerID        string `validate:"required"`
	ClientReferenceID string
	Email             string
}

// SubscriptionEvent is the provider-neutral view of a customer.subscription.* payload.
type SubscriptionEvent struct {
	SubscriptionID    string `validate:"required"`
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// WebhookEvent is a row of the webhook event log.
type WebhookEvent struct {
	ID              int64      `json:"id" db:"id"`
	ProviderEventID string     `json:"providerEventId" db:"provider_event_id"`
	EventType       string     `json:"eventType" db:"event_type"`
	Payload         []byte     `json:"payload" db:"payload"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty" db:"processed_at"`
	ProcessingError string     `json:"processingError" db:"processing_error"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}
