package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"billingSyncAPI/internal/metrics"
	"billingSyncAPI/internal/types/subscription"
	"billingSyncAPI/services"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// MaxBodyBytes caps webhook payloads.
const MaxBodyBytes = int64(65536)

const statusDuplicate = "duplicate"

type EventReconciler interface {
	HandleCheckoutCompleted(ctx context.Context, in subscription.CheckoutCompletion) (services.Outcome, error)
	HandleSubscriptionCreated(ctx context.Context, ev subscription.SubscriptionEvent) (services.Outcome, error)
	HandleSubscriptionUpdated(ctx context.Context, eventType string, ev subscription.SubscriptionEvent) (services.Outcome, error)
	HandleSubscriptionDeleted(ctx context.Context, ev subscription.SubscriptionEvent) (services.Outcome, error)
}

// EventLog remembers delivered events. Optional.
type EventLog interface {
	Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	MarkProcessed(ctx context.Context, eventID, processingError string) error
}

type WebhookHandler struct {
	reconciler EventReconciler
	events     EventLog
	secret     string
	logger     zerolog.Logger
}

func NewWebhookHandler(reconciler EventReconciler, events EventLog, secret string, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		events:     events,
		secret:     secret,
		logger:     logger.With().Str("handler", "stripe_webhook").Logger(),
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// HandleStripeWebhook processes events sent by Stripe
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read request body")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		sigErr := &services.SignatureVerificationError{Err: err}
		metrics.SignatureFailures.Inc()
		h.logger.Warn().Err(sigErr).Msg("rejected webhook")
		respondWithError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ctx := r.Context()
	eventType := string(event.Type)
	log := h.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

	if h.events != nil {
		alreadyProcessed, err := h.events.Record(ctx, event.ID, eventType, payload)
		if err != nil {
			log.Warn().Err(err).Msg("failed to record webhook event")
		} else if alreadyProcessed {
			metrics.WebhookEventsTotal.WithLabelValues(eventType, statusDuplicate).Inc()
			log.Info().Msg("event already processed")
			respondWithJSON(w, http.StatusOK, webhookResponse{Received: true, Status: statusDuplicate})
			return
		}
	}

	outcome, procErr := h.dispatch(ctx, eventType, event.Data.Raw)
	code := statusCode(outcome, procErr)

	metrics.WebhookEventsTotal.WithLabelValues(eventType, string(outcome.Status)).Inc()
	h.markProcessed(log, event.ID, outcome, procErr)

	if code >= http.StatusBadRequest {
		log.Error().Err(procErr).Str("outcome", string(outcome.Status)).Int("status_code", code).Msg("webhook processing failed")
		message := outcome.Reason
		if message == "" && procErr != nil {
			message = procErr.Error()
		}
		respondWithError(w, code, message)
		return
	}

	log.Info().Str("outcome", string(outcome.Status)).Str("subscription_id", outcome.SubscriptionID).Msg("webhook handled")
	respondWithJSON(w, code, webhookResponse{Received: true, Status: string(outcome.Status)})
}

func (h *WebhookHandler) dispatch(ctx context.Context, eventType string, raw json.RawMessage) (services.Outcome, error) {
	switch eventType {
	case subscription.EventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return decodeFailure(eventType, err)
		}
		return h.reconciler.HandleCheckoutCompleted(ctx, checkoutFromSession(&session))

	case subscription.EventSubscriptionCreated,
		subscription.EventSubscriptionUpdated,
		subscription.EventSubscriptionTrialWillEnd,
		subscription.EventSubscriptionPendingApplied,
		subscription.EventSubscriptionPendingExpired,
		subscription.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return decodeFailure(eventType, err)
		}
		ev := eventFromSubscription(&sub)

		switch eventType {
		case subscription.EventSubscriptionCreated:
			return h.reconciler.HandleSubscriptionCreated(ctx, ev)
		case subscription.EventSubscriptionDeleted:
			return h.reconciler.HandleSubscriptionDeleted(ctx, ev)
		default:
			return h.reconciler.HandleSubscriptionUpdated(ctx, eventType, ev)
		}
	}

	return services.Outcome{Status: services.OutcomeIgnored, Reason: "unhandled event type"}, nil
}

func (h *WebhookHandler) markProcessed(log zerolog.Logger, eventID string, outcome services.Outcome, procErr error) {
	if h.events == nil {
		return
	}
	processingError := ""
	if procErr != nil && (outcome.Status == services.OutcomeFailed || outcome.Status == services.OutcomeRejected) {
		processingError = procErr.Error()
	}

	// The request context may already be cancelled by the client.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.events.MarkProcessed(ctx, eventID, processingError); err != nil {
		log.Warn().Err(err).Msg("failed to mark webhook event processed")
	}
}

func decodeFailure(eventType string, err error) (services.Outcome, error) {
	valErr := &services.ValidationError{EventType: eventType, Fields: []string{"payload: " + err.Error()}}
	return services.Outcome{Status: services.OutcomeRejected, Reason: valErr.Error()}, valErr
}

// statusCode tells Stripe whether to redeliver: 2xx means handled, 5xx means
// try again, 4xx means the event itself is wrong.
func statusCode(outcome services.Outcome, err error) int {
	switch outcome.Status {
	case services.OutcomeRejected:
		return http.StatusBadRequest
	case services.OutcomeFailed:
		if outcome.Acknowledged {
			return http.StatusOK
		}
		if services.IsRetryable(err) {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func checkoutFromSession(session *stripe.CheckoutSession) subscription.CheckoutCompletion {
	in := subscription.CheckoutCompletion{
		SessionID:         session.ID,
		ClientReferenceID: strings.TrimSpace(session.ClientReferenceID),
		Email:             session.CustomerEmail,
	}
	if in.ClientReferenceID == "" && session.Metadata != nil {
		in.ClientReferenceID = strings.TrimSpace(session.Metadata["user_id"])
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		in.Email = session.CustomerDetails.Email
	}
	if session.Customer != nil {
		in.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		in.SubscriptionID = session.Subscription.ID
	}
	return in
}

func eventFromSubscription(sub *stripe.Subscription) subscription.SubscriptionEvent {
	ev := subscription.SubscriptionEvent{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		ev.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return ev
}
