package services

import (
	"context"
	"fmt"
	"time"

	"billingSyncAPI/internal/types/subscription"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeService is the outbound side of the provider integration.
type StripeService struct {
	api *client.API
}

func NewStripeService(secretKey string) *StripeService {
	return &StripeService{api: client.New(secretKey, nil)}
}

// NewStripeServiceWithBackends lets tests point the client at a stub server.
func NewStripeServiceWithBackends(secretKey string, backends *stripe.Backends) *StripeService {
	return &StripeService{api: client.New(secretKey, backends)}
}

func (s *StripeService) GetSubscription(ctx context.Context, subscriptionID string) (*subscription.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stripe subscription %s: %w", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (s *StripeService) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := s.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel stripe subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// FromStripeSubscription flattens the SDK object. The price falls back to
// subscription.UnknownPriceID when the subscription has no items.
func FromStripeSubscription(sub *stripe.Subscription) *subscription.ProviderSubscription {
	out := &subscription.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PriceID:           subscription.UnknownPriceID,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil && sub.Items.Data[0].Price.ID != "" {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}
