package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"billingSyncAPI/internal/metrics"
	"billingSyncAPI/internal/types/subscription"
	"billingSyncAPI/internal/types/user"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
}

type SubscriptionStore interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error)
	FindActiveForCustomer(ctx context.Context, customerID, excludeSubscriptionID string) (*subscription.Subscription, error)
	Insert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)
	UpdateState(ctx context.Context, update subscription.StateUpdate) (bool, error)
}

type BillingProvider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*subscription.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type OutcomeStatus string

const (
	OutcomeProcessed OutcomeStatus = "processed"
	OutcomeBlocked   OutcomeStatus = "blocked"
	OutcomeDeferred  OutcomeStatus = "deferred"
	OutcomeIgnored   OutcomeStatus = "ignored"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the result of reconciling one event. Acknowledged is set on
// failures that must still be answered with success so the provider stops
// redelivering.
type Outcome struct {
	Status         OutcomeStatus `json:"status"`
	SubscriptionID string        `json:"subscriptionId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Acknowledged   bool          `json:"-"`
}

// Reconciler applies provider subscription events to the local store.
type Reconciler struct {
	users    UserStore
	subs     SubscriptionStore
	provider BillingProvider
	pending  PendingStore
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(users UserStore, subs SubscriptionStore, provider BillingProvider, pending PendingStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		users:    users,
		subs:     subs,
		provider: provider,
		pending:  pending,
		validate: validator.New(),
		logger:   logger.With().Str("service", "reconciler").Logger(),
		now:      time.Now,
	}
}

// ResolveUserID picks the owner of a checkout. A UUID-shaped candidate wins,
// then a case-insensitive email match; the choice must exist in the user
// store, with one more email lookup if it does not.
func (r *Reconciler) ResolveUserID(ctx context.Context, candidateID, email string) (string, error) {
	candidateID = strings.TrimSpace(candidateID)
	email = strings.TrimSpace(email)

	chosen := ""
	if isUUID(candidateID) {
		chosen = candidateID
	} else {
		id, err := r.lookupByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		chosen = id
	}

	if chosen != "" {
		_, err := r.users.GetUserByID(ctx, chosen)
		if err == nil {
			return chosen, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return "", &PersistenceError{Op: "get user by id", Err: err}
		}
		r.logger.Warn().Str("user_id", chosen).Msg("candidate user does not exist, retrying email lookup")
	}

	id, err := r.lookupByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &IdentityResolutionError{ClientReferenceID: candidateID, Email: email}
	}
	return id, nil
}

func (r *Reconciler) lookupByEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", nil
	}
	u, err := r.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil
		}
		return "", &PersistenceError{Op: "get user by email", Err: err}
	}
	return u.ID, nil
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// HandleCheckoutCompleted links the checkout's subscription to its user.
// Malformed input and unresolved identity are rejected; every other failure
// is acknowledged with a failed outcome.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, in subscription.CheckoutCompletion) (Outcome, error) {
	log := r.logger.With().
		Str("subscription_id", in.SubscriptionID).
		Str("session_id", in.SessionID).
		Logger()

	var stashed *subscription.PendingAssociation
	if in.SubscriptionID != "" {
		p, err := r.pending.Take(ctx, in.SubscriptionID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read pending association")
		}
		stashed = p
		if stashed != nil && in.CustomerID == "" {
			in.CustomerID = stashed.CustomerID
		}
	}

	// Until our own association is stored, a failure must put back the
	// entry stashed by subscription.created.
	restoreStash := func() {
		if stashed != nil {
			r.putPending(ctx, log, in.SubscriptionID, *stashed)
		}
	}

	if err := r.validateInput(subscription.EventCheckoutSessionCompleted, in); err != nil {
		restoreStash()
		log.Error().Err(err).Msg("rejected checkout completion")
		return Outcome{Status: OutcomeRejected, SubscriptionID: in.SubscriptionID, Reason: err.Error()}, err
	}

	userID, err := r.ResolveUserID(ctx, in.ClientReferenceID, in.Email)
	if err != nil {
		restoreStash()
		var idErr *IdentityResolutionError
		if errors.As(err, &idErr) {
			log.Error().Err(err).Msg("rejected checkout completion")
			return Outcome{Status: OutcomeRejected, SubscriptionID: in.SubscriptionID, Reason: err.Error()}, err
		}
		return r.acknowledgeFailure(log, in.SubscriptionID, "", err)
	}
	log = log.With().Str("user_id", userID).Logger()

	r.putPending(ctx, log, in.SubscriptionID, subscription.PendingAssociation{UserID: userID, CustomerID: in.CustomerID})

	if err := r.guardDuplicate(ctx, log, in.SubscriptionID, in.CustomerID); err != nil {
		var dupErr *DuplicateSubscriptionError
		if errors.As(err, &dupErr) {
			r.deletePending(ctx, log, in.SubscriptionID)
			return Outcome{Status: OutcomeBlocked, SubscriptionID: in.SubscriptionID, UserID: userID, Reason: err.Error()}, err
		}
		return r.acknowledgeFailure(log, in.SubscriptionID, userID, err)
	}

	if _, err := r.upsert(ctx, log, in.SubscriptionID, userID, in.CustomerID); err != nil {
		return r.acknowledgeFailure(log, in.SubscriptionID, userID, err)
	}
	r.deletePending(ctx, log, in.SubscriptionID)

	log.Info().Msg("checkout completion reconciled")
	return Outcome{Status: OutcomeProcessed, SubscriptionID: in.SubscriptionID, UserID: userID}, nil
}

func (r *Reconciler) acknowledgeFailure(log zerolog.Logger, subscriptionID, userID string, err error) (Outcome, error) {
	log.Error().Err(err).Msg("checkout completion failed; acknowledging")
	return Outcome{
		Status:         OutcomeFailed,
		SubscriptionID: subscriptionID,
		UserID:         userID,
		Reason:         err.Error(),
		Acknowledged:   true,
	}, err
}

// HandleSubscriptionCreated accepts the event before or after the matching
// checkout completion. Without a known user it only stashes the customer.
func (r *Reconciler) HandleSubscriptionCreated(ctx context.Context, ev subscription.SubscriptionEvent) (Outcome, error) {
	if err := r.validateInput(subscription.EventSubscriptionCreated, ev); err != nil {
		return Outcome{Status: OutcomeRejected, Reason: err.Error()}, err
	}
	log := r.logger.With().
		Str("subscription_id", ev.SubscriptionID).
		Str("customer_id", ev.CustomerID).
		Logger()

	pending, err := r.pending.Take(ctx, ev.SubscriptionID)
	if err != nil {
		err = &PersistenceError{Op: "take pending association", Err: err}
		return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
	}

	if pending != nil && pending.UserID != "" {
		customerID := ev.CustomerID
		if customerID == "" {
			customerID = pending.CustomerID
		}
		log = log.With().Str("user_id", pending.UserID).Logger()

		if err := r.guardDuplicate(ctx, log, ev.SubscriptionID, customerID); err != nil {
			var dupErr *DuplicateSubscriptionError
			if errors.As(err, &dupErr) {
				return Outcome{Status: OutcomeBlocked, SubscriptionID: ev.SubscriptionID, UserID: pending.UserID, Reason: err.Error()}, err
			}
			r.putPending(ctx, log, ev.SubscriptionID, *pending)
			return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
		}

		if _, err := r.upsert(ctx, log, ev.SubscriptionID, pending.UserID, customerID); err != nil {
			r.putPending(ctx, log, ev.SubscriptionID, *pending)
			return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
		}

		log.Info().Msg("subscription created after checkout; reconciled")
		return Outcome{Status: OutcomeProcessed, SubscriptionID: ev.SubscriptionID, UserID: pending.UserID}, nil
	}

	update, err := r.completeState(ctx, ev)
	if err != nil {
		return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
	}
	updated, err := r.subs.UpdateState(ctx, update)
	if err != nil {
		err = &PersistenceError{Op: "update subscription", Err: err}
		return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
	}
	if updated {
		log.Info().Msg("subscription already recorded; state refreshed")
		return Outcome{Status: OutcomeProcessed, SubscriptionID: ev.SubscriptionID}, nil
	}

	if err := r.pending.Put(ctx, ev.SubscriptionID, subscription.PendingAssociation{CustomerID: ev.CustomerID}); err != nil {
		err = &PersistenceError{Op: "store pending association", Err: err}
		return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
	}

	log.Info().Msg("no user known yet; waiting for checkout completion")
	return Outcome{Status: OutcomeDeferred, SubscriptionID: ev.SubscriptionID}, nil
}

// HandleSubscriptionUpdated serves updated, trial_will_end and the
// pending_update events. An unknown subscription is not an error.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, eventType string, ev subscription.SubscriptionEvent) (Outcome, error) {
	if err := r.validateInput(eventType, ev); err != nil {
		return Outcome{Status: OutcomeRejected, Reason: err.Error()}, err
	}
	update, err := r.completeState(ctx, ev)
	if err != nil {
		return Outcome{Status: OutcomeFailed, SubscriptionID: ev.SubscriptionID, Reason: err.Error()}, err
	}
	return r.applyState(ctx, eventType, update)
}

// HandleSubscriptionDeleted moves the record to its terminal status. The
// period ends now.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev subscription.SubscriptionEvent) (Outcome, error) {
	if err := r.validateInput(subscription.EventSubscriptionDeleted, ev); err != nil {
		return Outcome{Status: OutcomeRejected, Reason: err.Error()}, err
	}

	status := ev.Status
	if status != subscription.StatusCanceled && status != subscription.StatusIncompleteExpired {
		status = subscription.StatusCanceled
	}

	return r.applyState(ctx, subscription.EventSubscriptionDeleted, subscription.StateUpdate{
		StripeSubscriptionID: ev.SubscriptionID,
		Status:               status,
		CurrentPeriodEnd:     r.now().UTC(),
		CancelAtPeriodEnd:    false,
	})
}

func (r *Reconciler) applyState(ctx context.Context, eventType string, update subscription.StateUpdate) (Outcome, error) {
	log := r.logger.With().
		Str("event_type", eventType).
		Str("subscription_id", update.StripeSubscriptionID).
		Logger()

	updated, err := r.subs.UpdateState(ctx, update)
	if err != nil {
		err = &PersistenceError{Op: "update subscription", Err: err}
		log.Error().Err(err).Msg("failed to apply subscription state")
		return Outcome{Status: OutcomeFailed, SubscriptionID: update.StripeSubscriptionID, Reason: err.Error()}, err
	}
	if !updated {
		log.Debug().Msg("no local record for subscription; skipping")
		return Outcome{Status: OutcomeIgnored, SubscriptionID: update.StripeSubscriptionID, Reason: "subscription not found"}, nil
	}

	log.Info().Str("status", update.Status).Msg("subscription state applied")
	return Outcome{Status: OutcomeProcessed, SubscriptionID: update.StripeSubscriptionID}, nil
}

// guardDuplicate cancels subscriptionID at the provider when the customer
// already holds a different active or trialing subscription.
func (r *Reconciler) guardDuplicate(ctx context.Context, log zerolog.Logger, subscriptionID, customerID string) error {
	existing, err := r.subs.FindActiveForCustomer(ctx, customerID, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		return &PersistenceError{Op: "find active subscription", Err: err}
	}

	dupErr := &DuplicateSubscriptionError{
		SubscriptionID:         subscriptionID,
		CustomerID:             customerID,
		ExistingSubscriptionID: existing.StripeSubscriptionID,
	}
	metrics.DuplicateSubscriptionsBlocked.Inc()
	log.Warn().Str("existing_subscription_id", existing.StripeSubscriptionID).Msg("customer already subscribed; cancelling new subscription")

	if err := r.provider.CancelSubscription(ctx, subscriptionID); err != nil {
		metrics.CompensatingCancelFailures.Inc()
		log.Error().Err(err).Msg("failed to cancel duplicate subscription")
	}
	return dupErr
}

// upsert writes the provider's view of the subscription. An existing record
// only has its mutable state refreshed.
func (r *Reconciler) upsert(ctx context.Context, log zerolog.Logger, subscriptionID, userID, customerID string) (*subscription.Subscription, error) {
	details, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, &ProviderError{Op: "get subscription", Err: err}
	}

	existing, err := r.subs.GetBySubscriptionID(ctx, subscriptionID)
	switch {
	case err == nil:
		update := subscription.StateUpdate{
			StripeSubscriptionID: subscriptionID,
			Status:               details.Status,
			CurrentPeriodEnd:     details.CurrentPeriodEnd,
			CancelAtPeriodEnd:    details.CancelAtPeriodEnd,
		}
		if _, err := r.subs.UpdateState(ctx, update); err != nil {
			return nil, &PersistenceError{Op: "update subscription", Err: err}
		}
		existing.Status = update.Status
		existing.CurrentPeriodEnd = update.CurrentPeriodEnd
		existing.CancelAtPeriodEnd = update.CancelAtPeriodEnd
		existing.UpdatedAt = r.now().UTC()
		return existing, nil
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, &PersistenceError{Op: "get subscription", Err: err}
	}

	if customerID == "" {
		customerID = details.CustomerID
	}
	priceID := details.PriceID
	if priceID == "" {
		priceID = subscription.UnknownPriceID
	}

	inserted, err := r.subs.Insert(ctx, &subscription.Subscription{
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		StripePriceID:        priceID,
		Status:               details.Status,
		CurrentPeriodEnd:     details.CurrentPeriodEnd,
		CancelAtPeriodEnd:    details.CancelAtPeriodEnd,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "insert subscription", Err: err}
	}

	confirmed, err := r.subs.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		metrics.PersistenceUnconfirmed.Inc()
		log.Warn().Err(err).Msg("inserted subscription could not be read back")
		return inserted, nil
	}
	return confirmed, nil
}

func (r *Reconciler) validateInput(eventType string, in any) error {
	err := r.validate.Struct(in)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{EventType: eventType, Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{EventType: eventType, Fields: fields}
}

func (r *Reconciler) putPending(ctx context.Context, log zerolog.Logger, subscriptionID string, assoc subscription.PendingAssociation) {
	if err := r.pending.Put(ctx, subscriptionID, assoc); err != nil {
		log.Warn().Err(err).Msg("failed to store pending association")
	}
}

func (r *Reconciler) deletePending(ctx context.Context, log zerolog.Logger, subscriptionID string) {
	if err := r.pending.Delete(ctx, subscriptionID); err != nil {
		log.Warn().Err(err).Msg("failed to discard pending association")
	}
}

// completeState turns an event into a state update. A missing status or
// period end (newer API versions moved the period onto the items) is filled
// in from the provider; stored values are never zeroed.
func (r *Reconciler) completeState(ctx context.Context, ev subscription.SubscriptionEvent) (subscription.StateUpdate, error) {
	update := stateFromEvent(ev)
	if update.Status != "" && !update.CurrentPeriodEnd.IsZero() {
		return update, nil
	}

	details, err := r.provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return update, &ProviderError{Op: "get subscription", Err: err}
	}
	if update.Status == "" {
		update.Status = details.Status
		update.CancelAtPeriodEnd = details.CancelAtPeriodEnd
	}
	if update.CurrentPeriodEnd.IsZero() {
		update.CurrentPeriodEnd = details.CurrentPeriodEnd
	}
	if update.Status == "" || update.CurrentPeriodEnd.IsZero() {
		return update, &ProviderError{Op: "get subscription", Err: errIncompleteSubscription}
	}
	return update, nil
}

func stateFromEvent(ev subscription.SubscriptionEvent) subscription.StateUpdate {
	return subscription.StateUpdate{
		StripeSubscriptionID: ev.SubscriptionID,
		Status:               ev.Status,
		CurrentPeriodEnd:     ev.CurrentPeriodEnd,
		CancelAtPeriodEnd:    ev.CancelAtPeriodEnd,
	}
}
