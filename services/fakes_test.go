package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"billingSyncAPI/internal/types/subscription"
	"billingSyncAPI/internal/types/user"
)

type fakeUserStore struct {
	users []*user.User
	err   error
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (*user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

type fakeSubscriptionStore struct {
	mu      sync.Mutex
	records map[string]*subscription.Subscription
	inserts int
	updates int

	updateErr error
	// readAfterInsertErr breaks reads once a record has been inserted.
	readAfterInsertErr error
	inserted           bool
}

func newFakeSubscriptionStore(existing ...*subscription.Subscription) *fakeSubscriptionStore {
	f := &fakeSubscriptionStore{records: make(map[string]*subscription.Subscription)}
	for _, s := range existing {
		f.records[s.StripeSubscriptionID] = s
	}
	return f
}

func (f *fakeSubscriptionStore) GetBySubscriptionID(_ context.Context, subscriptionID string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inserted && f.readAfterInsertErr != nil {
		return nil, f.readAfterInsertErr
	}
	s, ok := f.records[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubscriptionStore) FindActiveForCustomer(_ context.Context, customerID, excludeSubscriptionID string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.records {
		if s.StripeCustomerID == customerID && s.StripeSubscriptionID != excludeSubscriptionID && subscription.IsActiveOrTrialing(s.Status) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (f *fakeSubscriptionStore) Insert(_ context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *sub
	cp.ID = "row-" + sub.StripeSubscriptionID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.records[sub.StripeSubscriptionID] = &cp
	f.inserts++
	f.inserted = true

	out := cp
	return &out, nil
}

func (f *fakeSubscriptionStore) UpdateState(_ context.Context, update subscription.StateUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return false, f.updateErr
	}
	s, ok := f.records[update.StripeSubscriptionID]
	if !ok {
		return false, nil
	}
	s.Status = update.Status
	s.CurrentPeriodEnd = update.CurrentPeriodEnd
	s.CancelAtPeriodEnd = update.CancelAtPeriodEnd
	s.UpdatedAt = time.Now()
	f.updates++
	return true, nil
}

func (f *fakeSubscriptionStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeSubscriptionStore) get(subscriptionID string) *subscription.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[subscriptionID]
}

type fakeProvider struct {
	subs      map[string]*subscription.ProviderSubscription
	cancelled []string
	getErr    error
	cancelErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: make(map[string]*subscription.ProviderSubscription)}
}

func (f *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (*subscription.ProviderSubscription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if s, ok := f.subs[subscriptionID]; ok {
		cp := *s
		return &cp, nil
	}
	return &subscription.ProviderSubscription{
		ID:               subscriptionID,
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		PriceID:          "price_basic",
	}, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.cancelled = append(f.cancelled, subscriptionID)
	return f.cancelErr
}

var errStoreDown = errors.New("connection refused")
