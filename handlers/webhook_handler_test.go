package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"billingSyncAPI/internal/types/subscription"
	"billingSyncAPI/services"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const testSecret = "whsec_test_secret"

type stubReconciler struct {
	outcome services.Outcome
	err     error

	checkouts []subscription.CheckoutCompletion
	created   []subscription.SubscriptionEvent
	updated   []string
	deleted   []subscription.SubscriptionEvent
}

func (s *stubReconciler) HandleCheckoutCompleted(_ context.Context, in subscription.CheckoutCompletion) (services.Outcome, error) {
	s.checkouts = append(s.checkouts, in)
	return s.outcome, s.err
}

func (s *stubReconciler) HandleSubscriptionCreated(_ context.Context, ev subscription.SubscriptionEvent) (services.Outcome, error) {
	s.created = append(s.created, ev)
	return s.outcome, s.err
}

func (s *stubReconciler) HandleSubscriptionUpdated(_ context.Context, eventType string, _ subscription.SubscriptionEvent) (services.Outcome, error) {
	s.updated = append(s.updated, eventType)
	return s.outcome, s.err
}

func (s *stubReconciler) HandleSubscriptionDeleted(_ context.Context, ev subscription.SubscriptionEvent) (services.Outcome, error) {
	s.deleted = append(s.deleted, ev)
	return s.outcome, s.err
}

type stubEventLog struct {
	mu        sync.Mutex
	processed map[string]string
	recordErr error
}

func newStubEventLog() *stubEventLog {
	return &stubEventLog{processed: make(map[string]string)}
}

func (l *stubEventLog) Record(_ context.Context, eventID, _ string, _ []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return false, l.recordErr
	}
	procErr, ok := l.processed[eventID]
	return ok && procErr == "", nil
}

func (l *stubEventLog) MarkProcessed(_ context.Context, eventID, processingError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed[eventID] = processingError
	return nil
}

func eventPayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2023-10-16",
		"created": 1700000000,
		"type": %q,
		"data": {"object": %s}
	}`, id, eventType, object))
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

const checkoutObject = `{
	"id": "cs_test_1",
	"object": "checkout.session",
	"client_reference_id": "",
	"metadata": {"user_id": "7f2c1a4e-3b1d-4c8e-9a51-2f6d0e8b7c11"},
	"customer": "cus_1",
	"customer_email": "old@example.com",
	"customer_details": {"email": "alice@example.com"},
	"subscription": "sub_1"
}`

const subscriptionObject = `{
	"id": "sub_1",
	"object": "subscription",
	"customer": "cus_1",
	"status": "past_due",
	"cancel_at_period_end": true,
	"current_period_end": 1893456000
}`

func TestWebhookRejectsBadSignature(t *testing.T) {
	rec := &stubReconciler{}
	events := newStubEventLog()
	h := NewWebhookHandler(rec, events, testSecret, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(eventPayload("evt_1", "checkout.session.completed", checkoutObject)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rec.checkouts)
	assert.Empty(t, events.processed)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	h := NewWebhookHandler(&stubReconciler{}, nil, testSecret, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("a", int(MaxBodyBytes)+1)))
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhookTranslatesCheckoutSession(t *testing.T) {
	rec := &stubReconciler{outcome: services.Outcome{Status: services.OutcomeProcessed, SubscriptionID: "sub_1"}}
	h := NewWebhookHandler(rec, newStubEventLog(), testSecret, zerolog.Nop())
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, signedRequest(t, eventPayload("evt_1", "checkout.session.completed", checkoutObject)))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rec.checkouts, 1)
	in := rec.checkouts[0]
	assert.Equal(t, "cs_test_1", in.SessionID)
	assert.Equal(t, "sub_1", in.SubscriptionID)
	assert.Equal(t, "cus_1", in.CustomerID)
	assert.Equal(t, "7f2c1a4e-3b1d-4c8e-9a51-2f6d0e8b7c11", in.ClientReferenceID)
	assert.Equal(t, "alice@example.com", in.Email)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "processed", body["status"])
}

func TestWebhookRoutesSubscriptionEvents(t *testing.T) {
	rec := &stubReconciler{outcome: services.Outcome{Status: services.OutcomeProcessed}}
	h := NewWebhookHandler(rec, nil, testSecret, zerolog.Nop())

	types := []string{
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.trial_will_end",
		"customer.subscription.pending_update_applied",
		"customer.subscription.pending_update_expired",
		"customer.subscription.deleted",
	}
	for i, eventType := range types {
		rr := httptest.NewRecorder()
		h.HandleStripeWebhook(rr, signedRequest(t, eventPayload(fmt.Sprintf("evt_%d", i), eventType, subscriptionObject)))
		assert.Equal(t, http.StatusOK, rr.Code, eventType)
	}

	require.Len(t, rec.created, 1)
	ev := rec.created[0]
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, subscription.StatusPastDue, ev.Status)
	assert.True(t, ev.CancelAtPeriodEnd)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), ev.CurrentPeriodEnd)

	assert.Equal(t, []string{
		"customer.subscription.updated",
		"customer.subscription.trial_will_end",
		"customer.subscription.pending_update_applied",
		"customer.subscription.pending_update_expired",
	}, rec.updated)
	assert.Len(t, rec.deleted, 1)
}

func TestWebhookLeavesPeriodEndUnsetWhenOnlyOnItems(t *testing.T) {
	rec := &stubReconciler{outcome: services.Outcome{Status: services.OutcomeProcessed}}
	h := NewWebhookHandler(rec, nil, testSecret, zerolog.Nop())

	object := `{
		"id": "sub_1",
		"object": "subscription",
		"customer": "cus_1",
		"items": {"object": "list", "data": [
			{"id": "si_1", "object": "subscription_item", "current_period_end": 1893456000}
		]}
	}`
	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedRequest(t, eventPayload("evt_1", "customer.subscription.created", object)))
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, rec.created, 1)
	assert.Equal(t, "", rec.created[0].Status)
	assert.True(t, rec.created[0].CurrentPeriodEnd.IsZero())
}

func TestWebhookAcknowledgesUnhandledTypes(t *testing.T) {
	rec := &stubReconciler{}
	h := NewWebhookHandler(rec, nil, testSecret, zerolog.Nop())
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, signedRequest(t, eventPayload("evt_1", "invoice.paid", `{"id": "in_1", "object": "invoice"}`)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received": true, "status": "ignored"}`, rr.Body.String())
	assert.Empty(t, rec.checkouts)
}

func TestWebhookShortCircuitsDuplicateEvents(t *testing.T) {
	rec := &stubReconciler{outcome: services.Outcome{Status: services.OutcomeProcessed}}
	events := newStubEventLog()
	h := NewWebhookHandler(rec, events, testSecret, zerolog.Nop())
	payload := eventPayload("evt_dup", "checkout.session.completed", checkoutObject)

	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedRequest(t, payload))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedRequest(t, payload))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received": true, "status": "duplicate"}`, rr.Body.String())
	assert.Len(t, rec.checkouts, 1)
}

func TestWebhookReprocessesFailedEvents(t *testing.T) {
	rec := &stubReconciler{
		outcome: services.Outcome{Status: services.OutcomeFailed},
		err:     &services.PersistenceError{Op: "update subscription", Err: errors.New("connection refused")},
	}
	events := newStubEventLog()
	h := NewWebhookHandler(rec, events, testSecret, zerolog.Nop())
	payload := eventPayload("evt_retry", "customer.subscription.updated", subscriptionObject)

	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedRequest(t, payload))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, events.processed["evt_retry"], "connection refused")

	rec.outcome, rec.err = services.Outcome{Status: services.OutcomeProcessed}, nil
	rr = httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedRequest(t, payload))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rec.updated, 2)
	assert.Equal(t, "", events.processed["evt_retry"])
}

func TestWebhookEventLogFailureDoesNotBlock(t *testing.T) {
	rec := &stubReconciler{outcome: services.Outcome{Status: services.OutcomeProcessed}}
	events := newStubEventLog()
	events.recordErr = errors.New("db down")
	h := NewWebhookHandler(rec, events, testSecret, zerolog.Nop())
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, signedRequest(t, eventPayload("evt_1", "checkout.session.completed", checkoutObject)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rec.checkouts, 1)
}

func TestWebhookRejectsUndecodableObject(t *testing.T) {
	rec := &stubReconciler{}
	h := NewWebhookHandler(rec, nil, testSecret, zerolog.Nop())
	rr := httptest.NewRecorder()

	h.HandleStripeWebhook(rr, signedRequest(t, eventPayload("evt_1", "customer.subscription.updated", `{"id": 42}`)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rec.updated)
}

func TestStatusCode(t *testing.T) {
	persistErr := &services.PersistenceError{Op: "insert subscription", Err: errors.New("timeout")}

	tests := []struct {
		name    string
		outcome services.Outcome
		err     error
		want    int
	}{
		{name: "processed", outcome: services.Outcome{Status: services.OutcomeProcessed}, want: http.StatusOK},
		{name: "blocked", outcome: services.Outcome{Status: services.OutcomeBlocked}, err: &services.DuplicateSubscriptionError{}, want: http.StatusOK},
		{name: "deferred", outcome: services.Outcome{Status: services.OutcomeDeferred}, want: http.StatusOK},
		{name: "ignored", outcome: services.Outcome{Status: services.OutcomeIgnored}, want: http.StatusOK},
		{name: "rejected", outcome: services.Outcome{Status: services.OutcomeRejected}, err: &services.IdentityResolutionError{}, want: http.StatusBadRequest},
		{name: "acknowledged failure", outcome: services.Outcome{Status: services.OutcomeFailed, Acknowledged: true}, err: persistErr, want: http.StatusOK},
		{name: "retryable failure", outcome: services.Outcome{Status: services.OutcomeFailed}, err: persistErr, want: http.StatusInternalServerError},
		{name: "terminal failure", outcome: services.Outcome{Status: services.OutcomeFailed}, err: &services.ValidationError{}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.outcome, tt.err))
		})
	}
}
