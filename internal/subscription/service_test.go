package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tripbilling/internal/billing"
	"tripbilling/internal/db/dbtest"
	"tripbilling/internal/external"
	"tripbilling/internal/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type gatewayCall struct {
	op          string
	ref         string
	atPeriodEnd bool
}

type fakeGateway struct {
	mu       sync.Mutex
	calls    []gatewayCall
	status   types.SubscriptionStatus
	err      error
	invoices []types.Invoice
}

func (g *fakeGateway) record(c gatewayCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	return g.err
}

func (g *fakeGateway) ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = c.op
	}
	return out
}

func (g *fakeGateway) last() gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func (g *fakeGateway) CreateCustomer(_ context.Context, in external.CustomerInput) (string, error) {
	if err := g.record(gatewayCall{op: "create_customer", ref: in.UserID}); err != nil {
		return "", err
	}
	return "cus_" + in.UserID, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, customerID, priceRef string, trialDays int, _ map[string]string) (*external.ProviderSubscription, error) {
	if err := g.record(gatewayCall{op: "create_subscription", ref: priceRef}); err != nil {
		return nil, err
	}
	ps := &external.ProviderSubscription{
		ID:                 "sub_ext_new",
		CustomerID:         customerID,
		Status:             g.status,
		PriceRef:           priceRef,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
	}
	if ps.Status == "" {
		ps.Status = types.StatusInactive
	}
	if trialDays > 0 {
		start, end := t0, t0.AddDate(0, 0, trialDays)
		ps.TrialStart, ps.TrialEnd = &start, &end
	}
	return ps, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, subscriptionID string, atPeriodEnd bool) (*external.ProviderSubscription, error) {
	if err := g.record(gatewayCall{op: "cancel", ref: subscriptionID, atPeriodEnd: atPeriodEnd}); err != nil {
		return nil, err
	}
	return &external.ProviderSubscription{ID: subscriptionID, CancelAtPeriodEnd: atPeriodEnd}, nil
}

func (g *fakeGateway) ChangePlan(_ context.Context, subscriptionID, newPriceRef string) (*external.ProviderSubscription, error) {
	if err := g.record(gatewayCall{op: "change_plan", ref: newPriceRef}); err != nil {
		return nil, err
	}
	return &external.ProviderSubscription{
		ID:                 subscriptionID,
		Status:             types.StatusActive,
		PriceRef:           newPriceRef,
		CurrentPeriodStart: t0.AddDate(0, 0, -10),
		CurrentPeriodEnd:   t0.AddDate(0, 0, 20),
	}, nil
}

func (g *fakeGateway) ListInvoices(_ context.Context, customerID string, limit int) ([]types.Invoice, error) {
	if err := g.record(gatewayCall{op: "list_invoices", ref: customerID}); err != nil {
		return nil, err
	}
	return g.invoices, nil
}

func (g *fakeGateway) VerifyWebhookSignature([]byte, string, string) (external.Event, error) {
	return external.Event{}, errors.New("not used")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e types.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) eventTypes() []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[string]*types.Subscription
	invalidated []string
	hits        int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*types.Subscription)}
}

func (c *mapCache) Get(_ context.Context, userID string) (*types.Subscription, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[userID]
	if ok {
		c.hits++
	}
	return sub, ok, nil
}

func (c *mapCache) Set(_ context.Context, userID string, sub *types.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = sub
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

// failingStore rejects every Create.
type failingStore struct{ *dbtest.MemStore }

type failingCreate struct{ types.SubscriptionRepository }

func (failingCreate) Create(context.Context, types.Subscription) (types.Subscription, error) {
	return types.Subscription{}, types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil)
}

func (f failingStore) Subscriptions() types.SubscriptionRepository {
	return failingCreate{f.MemStore.Subscriptions()}
}

// --- fixture ---

type fixture struct {
	store     *dbtest.MemStore
	gateway   *fakeGateway
	publisher *recordingPublisher
	cache     *mapCache
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     dbtest.NewMemStore(),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		cache:     newMapCache(),
	}
	f.svc = f.build(f.store)
	return f
}

func (f *fixture) build(store Store) *Service {
	catalog := billing.NewStaticCatalog(billing.PriceConfig{
		types.PlanAventurero:     {Monthly: "price_av_m", Yearly: "price_av_y"},
		types.PlanExpedicionario: {Monthly: "price_ex_m", Yearly: "price_ex_y"},
	})
	var n atomic.Int64
	return NewService(f.gateway, store, catalog, billing.NewEvaluator(catalog, 72*time.Hour), f.publisher, nil,
		WithClock(types.FixedClock{T: t0}),
		WithIDGenerator(func() string { return fmt.Sprintf("id_%d", n.Add(1)) }),
		WithCache(f.cache),
	)
}

func activePaid(plan types.PlanCode) types.Subscription {
	return types.Subscription{
		ID:                     "sub_1",
		UserID:                 "user_1",
		PlanCode:               plan,
		Status:                 types.StatusActive,
		ExternalSubscriptionID: "sub_ext_1",
		ExternalCustomerID:     "cus_1",
		CurrentPeriodStart:     t0.AddDate(0, 0, -10),
		CurrentPeriodEnd:       t0.AddDate(0, 0, 20),
		CreatedAt:              t0.AddDate(0, -2, 0),
	}
}

func wantCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if got := types.CodeOf(err); got != code {
		t.Fatalf("expected error code %s, got %s (%v)", code, got, err)
	}
}

// --- Start ---

func TestStart_FreePlanIsLiveAndPerpetual(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.Start(context.Background(), StartInput{UserID: "user_1", PlanCode: types.PlanExplorador})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sub.Status != types.StatusActive || !sub.IsPerpetual || sub.HasPeriodEnd() {
		t.Errorf("unexpected free subscription: %+v", sub)
	}
	if len(f.gateway.ops()) != 0 {
		t.Errorf("free plan must not reach the provider, got %v", f.gateway.ops())
	}
	want := []types.EventType{types.EventSubscriptionCreated, types.EventSubscriptionActivated}
	if got := f.publisher.eventTypes(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !slices.Contains(f.cache.invalidated, "user_1") {
		t.Error("expected snapshot invalidation")
	}
}

func TestStart_PaidPlanWaitsForProvider(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.Start(context.Background(), StartInput{
		UserID:       "user_1",
		Email:        "ana@example.com",
		PlanCode:     types.PlanAventurero,
		BillingCycle: types.BillingCycleYearly,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sub.Status != types.StatusInactive {
		t.Errorf("status = %s, want INACTIVE", sub.Status)
	}
	if sub.ExternalSubscriptionID != "sub_ext_new" || sub.ExternalCustomerID != "cus_user_1" {
		t.Errorf("provider refs not stored: %+v", sub)
	}
	if got := f.gateway.last(); got.op != "create_subscription" || got.ref != "price_av_y" {
		t.Errorf("unexpected provider call %+v", got)
	}
	if got := f.publisher.eventTypes(); !slices.Equal(got, []types.EventType{types.EventSubscriptionCreated}) {
		t.Errorf("events = %v", got)
	}
}

func TestStart_TrialFromProviderResponse(t *testing.T) {
	f := newFixture(t)
	f.gateway.status = types.StatusTrialing

	sub, err := f.svc.Start(context.Background(), StartInput{UserID: "user_1", PlanCode: types.PlanAventurero, TrialDays: 7})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sub.Status != types.StatusTrialing {
		t.Fatalf("status = %s, want TRIALING", sub.Status)
	}
	if sub.TrialEnd == nil || !sub.TrialEnd.Equal(t0.AddDate(0, 0, 7)) {
		t.Errorf("trial end = %v", sub.TrialEnd)
	}
	want := []types.EventType{types.EventSubscriptionCreated, types.EventSubscriptionActivated}
	if got := f.publisher.eventTypes(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   StartInput
		code types.ErrorCode
	}{
		{"missing user", StartInput{PlanCode: types.PlanExplorador}, types.ErrCodeAuthUserMissing},
		{"unknown plan", StartInput{UserID: "u", PlanCode: "NOMADA"}, types.ErrCodeValidationInvalidPlan},
		{"trial too long", StartInput{UserID: "u", PlanCode: types.PlanAventurero, TrialDays: 31}, types.ErrCodeValidationTrialDays},
		{"negative trial", StartInput{UserID: "u", PlanCode: types.PlanAventurero, TrialDays: -1}, types.ErrCodeValidationTrialDays},
		{"bad cycle", StartInput{UserID: "u", PlanCode: types.PlanAventurero, BillingCycle: "weekly"}, types.ErrCodeValidationBillingCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Start(context.Background(), tt.in)
			wantCode(t, err, tt.code)
		})
	}
}

func TestStart_RejectsSecondSubscription(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))

	_, err := f.svc.Start(context.Background(), StartInput{UserID: "user_1", PlanCode: types.PlanExplorador})
	wantCode(t, err, types.ErrCodeConflictSubscriptionExists)
}

func TestStart_CancelsProviderSubscriptionWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	svc := f.build(failingStore{f.store})

	_, err := svc.Start(context.Background(), StartInput{UserID: "user_1", PlanCode: types.PlanAventurero})
	wantCode(t, err, types.ErrCodeInternalDB)

	got := f.gateway.last()
	if got.op != "cancel" || got.ref != "sub_ext_new" || got.atPeriodEnd {
		t.Errorf("expected immediate compensating cancel, got %+v", got)
	}
	if len(f.publisher.eventTypes()) != 0 {
		t.Error("no events expected when the write fails")
	}
}

// --- ChangePlan ---

func TestChangePlan_PaidToPaid(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))

	sub, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{
		UserID:         "user_1",
		SubscriptionID: "sub_1",
		PlanCode:       types.PlanExpedicionario,
	})
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if sub.PlanCode != types.PlanExpedicionario || sub.Version != 2 {
		t.Errorf("unexpected result: plan=%s version=%d", sub.PlanCode, sub.Version)
	}
	if got := f.gateway.last(); got.op != "change_plan" || got.ref != "price_ex_m" {
		t.Errorf("unexpected provider call %+v", got)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != types.EventSubscriptionPlanChanged {
		t.Fatalf("events = %v", f.publisher.eventTypes())
	}
	if up, _ := f.publisher.events[0].Data["upgrade"].(bool); !up {
		t.Error("expected upgrade=true")
	}
}

func TestChangePlan_Rejections(t *testing.T) {
	tests := []struct {
		name string
		in   ChangePlanInput
		code types.ErrorCode
	}{
		{"other user", ChangePlanInput{UserID: "user_2", SubscriptionID: "sub_1", PlanCode: types.PlanExpedicionario}, types.ErrCodePermissionNotOwner},
		{"same plan", ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: types.PlanAventurero}, types.ErrCodeValidationSamePlan},
		{"missing", ChangePlanInput{UserID: "user_1", SubscriptionID: "nope", PlanCode: types.PlanExpedicionario}, types.ErrCodeNotFoundSubscription},
		{"unknown plan", ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: "GOLD"}, types.ErrCodeValidationInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Put(activePaid(types.PlanAventurero))
			_, err := f.svc.ChangePlan(context.Background(), tt.in)
			wantCode(t, err, tt.code)
			if len(f.gateway.ops()) != 0 {
				t.Errorf("provider must not be called, got %v", f.gateway.ops())
			}
		})
	}
}

func TestChangePlan_PastDueIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	sub := activePaid(types.PlanAventurero)
	sub.Status = types.StatusPastDue
	f.store.Put(sub)

	_, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: types.PlanExpedicionario})
	wantCode(t, err, types.ErrCodeConflictInvalidTransition)
}

func TestChangePlan_DowngradeToFreeCancelsAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanExpedicionario))

	sub, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: types.PlanExplorador})
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !sub.CancelAtPeriodEnd || sub.Status != types.StatusActive || sub.PlanCode != types.PlanExpedicionario {
		t.Errorf("expected pending cancellation on the paid plan, got %+v", sub)
	}
	if got := f.gateway.last(); got.op != "cancel" || !got.atPeriodEnd {
		t.Errorf("expected cancel at period end, got %+v", got)
	}
}

func TestChangePlan_UpgradeFromFreeReplacesSubscription(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.NewFreeSubscription("sub_free", "user_1", types.PlanExplorador, t0.AddDate(0, -1, 0)))
	f.gateway.status = types.StatusActive

	sub, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_free", PlanCode: types.PlanAventurero})
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if sub.ID == "sub_free" || sub.Status != types.StatusActive || sub.PlanCode != types.PlanAventurero {
		t.Errorf("unexpected replacement: %+v", sub)
	}
	old, _ := f.store.Subscription("sub_free")
	if old.Status != types.StatusCanceled {
		t.Errorf("free subscription status = %s, want CANCELED", old.Status)
	}
	want := []string{"create_customer", "create_subscription"}
	if got := f.gateway.ops(); !slices.Equal(got, want) {
		t.Errorf("provider calls = %v, want %v", got, want)
	}
	want2 := []types.EventType{types.EventSubscriptionCreated, types.EventSubscriptionPlanChanged, types.EventSubscriptionActivated}
	if got := f.publisher.eventTypes(); !slices.Equal(got, want2) {
		t.Errorf("events = %v, want %v", got, want2)
	}
}

func TestChangePlan_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))
	f.store.ConflictsBeforeUpdate = 1

	sub, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: types.PlanExpedicionario})
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if sub.Version != 3 {
		t.Errorf("version = %d, want 3 after one concurrent write", sub.Version)
	}
}

func TestChangePlan_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))
	f.store.ConflictsBeforeUpdate = DefaultMaxAttempts

	_, err := f.svc.ChangePlan(context.Background(), ChangePlanInput{UserID: "user_1", SubscriptionID: "sub_1", PlanCode: types.PlanExpedicionario})
	if !errors.Is(err, types.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if len(f.publisher.eventTypes()) != 0 {
		t.Error("no events expected when the write loses")
	}
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	tests := []struct {
		name          string
		sub           types.Subscription
		immediate     bool
		wantStatus    types.SubscriptionStatus
		wantAtEnd     bool
		wantProvider  bool
		wantAtEndCall bool
	}{
		{
			name:          "paid at period end",
			sub:           activePaid(types.PlanAventurero),
			wantStatus:    types.StatusActive,
			wantAtEnd:     true,
			wantProvider:  true,
			wantAtEndCall: true,
		},
		{
			name:         "paid immediately",
			sub:          activePaid(types.PlanAventurero),
			immediate:    true,
			wantStatus:   types.StatusCanceled,
			wantProvider: true,
		},
		{
			name:       "free plan always immediate",
			sub:        types.NewFreeSubscription("sub_1", "user_1", types.PlanExplorador, t0.AddDate(0, -1, 0)),
			wantStatus: types.StatusCanceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Put(tt.sub)

			sub, err := f.svc.Cancel(context.Background(), "user_1", "sub_1", tt.immediate)
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if sub.Status != tt.wantStatus || sub.CancelAtPeriodEnd != tt.wantAtEnd {
				t.Errorf("status=%s cancelAtPeriodEnd=%v", sub.Status, sub.CancelAtPeriodEnd)
			}
			ops := f.gateway.ops()
			if tt.wantProvider {
				if len(ops) != 1 || f.gateway.last().atPeriodEnd != tt.wantAtEndCall {
					t.Errorf("unexpected provider calls %+v", f.gateway.calls)
				}
			} else if len(ops) != 0 {
				t.Errorf("provider must not be called, got %v", ops)
			}
			if got := f.publisher.eventTypes(); !slices.Equal(got, []types.EventType{types.EventSubscriptionCanceled}) {
				t.Errorf("events = %v", got)
			}
		})
	}
}

func TestCancel_AlreadyCanceled(t *testing.T) {
	f := newFixture(t)
	sub := activePaid(types.PlanAventurero)
	sub.Status = types.StatusCanceled
	f.store.Put(sub)

	_, err := f.svc.Cancel(context.Background(), "user_1", "sub_1", true)
	wantCode(t, err, types.ErrCodeConflictInvalidTransition)
	if len(f.gateway.ops()) != 0 {
		t.Error("provider must not be called for an invalid transition")
	}
}

func TestCancel_ProviderFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))
	f.gateway.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)

	_, err := f.svc.Cancel(context.Background(), "user_1", "sub_1", false)
	wantCode(t, err, types.ErrCodeUpstreamUnavailable)

	stored, _ := f.store.Subscription("sub_1")
	if stored.CancelAtPeriodEnd || stored.Version != 1 {
		t.Errorf("state changed despite provider failure: %+v", stored)
	}
}

// --- reads ---

func TestGet(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(context.Background(), "user_1")
	wantCode(t, err, types.ErrCodeNotFoundSubscription)

	f.cache.Invalidate(context.Background(), "user_1")
	f.store.Put(activePaid(types.PlanAventurero))
	sub, err := f.svc.Get(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.ID != "sub_1" {
		t.Errorf("got %s", sub.ID)
	}
}

func TestGet_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))

	if _, err := f.svc.Get(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Get(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	if f.cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", f.cache.hits)
	}
}

func TestInvoices(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.NewFreeSubscription("sub_free", "user_2", types.PlanExplorador, t0))

	list, err := f.svc.Invoices(context.Background(), "user_2")
	if err != nil || len(list) != 0 {
		t.Fatalf("free user invoices = %v, %v", list, err)
	}
	if len(f.gateway.ops()) != 0 {
		t.Error("no provider call expected without a customer")
	}

	f.store.Put(activePaid(types.PlanAventurero))
	f.gateway.invoices = []types.Invoice{{ID: "in_1", AmountCents: 9900, Currency: "mxn", Status: "paid"}}
	list, err = f.svc.Invoices(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Invoices: %v", err)
	}
	if len(list) != 1 || f.gateway.last().ref != "cus_1" {
		t.Errorf("unexpected invoices %v / call %+v", list, f.gateway.last())
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	f.store.Put(activePaid(types.PlanAventurero))

	d, err := f.svc.Check(context.Background(), "user_1", billing.Request{Feature: "OFFLINE_MODE"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Feature != billing.FeatureOfflineMode || d.CurrentPlan != types.PlanAventurero {
		t.Errorf("unexpected decision %+v", d)
	}

	_, err = f.svc.Check(context.Background(), "user_1", billing.Request{Feature: "teleport"})
	wantCode(t, err, types.ErrCodeValidationFeature)
}

func TestEntitlements_NoSubscriptionUsesFreePlan(t *testing.T) {
	f := newFixture(t)

	sum, err := f.svc.Entitlements(context.Background(), "user_9", billing.Usage{})
	if err != nil {
		t.Fatalf("Entitlements: %v", err)
	}
	if sum.Status.Plan != billing.FreePlan || sum.Status.HasActiveSubscription {
		t.Errorf("unexpected status %+v", sum.Status)
	}
}
