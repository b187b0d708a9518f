package subscription

import "time"

const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

// UnknownPriceID is stored when the provider reports no line items.
const UnknownPriceID = "unknown"

type Subscription struct {
	ID                   string    `json:"id" db:"id"`
	UserID               string    `json:"userId" db:"user_id"`
	StripeCustomerID     string    `json:"stripeCustomerId" db:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId" db:"stripe_subscription_id"`
	StripePriceID        string    `json:"stripePriceId" db:"stripe_price_id"`
	Status               string    `json:"status" db:"status"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd" db:"current_period_end"`
	CancelAtPeriodEnd    bool      `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time `json:"updatedAt" db:"updated_at"`
}

// StateUpdate carries the mutable fields refreshed by status-changing events.
type StateUpdate struct {
	StripeSubscriptionID string
	Status               string
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
}

// ProviderSubscription is the authoritative view fetched from the billing provider.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	PriceID           string
}

// PendingAssociation links a subscription to the user/customer named by the
// other half of an out-of-order event pair.
type PendingAssociation struct {
	UserID     string `json:"userId,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
}

// IsActiveOrTrialing reports whether the status blocks a second subscription
// for the same customer.
func IsActiveOrTrialing(status string) bool {
	return status == StatusActive || status == StatusTrialing
}
