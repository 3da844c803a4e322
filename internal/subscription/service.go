// Package subscription implements the user-facing subscription use cases:
// starting, changing, cancelling and inspecting a subscription.
//
// Provider calls happen before the local write. The local write is a version
// compare-and-swap that re-reads and re-applies the transition when a
// concurrent writer (usually the webhook processor) got there first.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tripbilling/internal/billing"
	"tripbilling/internal/external"
	"tripbilling/internal/types"
)

const (
	// MaxTrialDays bounds StartInput.TrialDays.
	MaxTrialDays = 30

	// DefaultMaxAttempts bounds the compare-and-swap retry loop.
	DefaultMaxAttempts = 3

	invoiceHistoryLimit = 12
)

// Store is the persistence the service needs: direct reads plus transactions.
type Store interface {
	types.RepositoryRegistry
	types.TransactionManager
}

// SnapshotCache is a read-through cache of the user's current subscription.
// A cached nil subscription records that the user has none.
type SnapshotCache interface {
	Get(ctx context.Context, userID string) (*types.Subscription, bool, error)
	Set(ctx context.Context, userID string, sub *types.Subscription) error
	Invalidate(ctx context.Context, userID string) error
}

// StartInput is the request to start a subscription.
type StartInput struct {
	UserID       string             `json:"-"`
	Email        string             `json:"email" validate:"omitempty,email"`
	Name         string             `json:"name,omitempty"`
	PlanCode     types.PlanCode     `json:"plan" validate:"required"`
	BillingCycle types.BillingCycle `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
	TrialDays    int                `json:"trial_days" validate:"gte=0,lte=30"`
}

// ChangePlanInput is the request to move a subscription onto another plan.
type ChangePlanInput struct {
	UserID         string             `json:"-"`
	SubscriptionID string             `json:"-"`
	PlanCode       types.PlanCode     `json:"plan" validate:"required"`
	BillingCycle   types.BillingCycle `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
	Email          string             `json:"email,omitempty" validate:"omitempty,email"`
}

// Service implements the subscription use cases.
type Service struct {
	gateway     external.BillingGateway
	store       Store
	catalog     billing.Catalog
	evaluator   *billing.Evaluator
	publisher   types.EventPublisher
	cache       SnapshotCache
	clock       types.Clock
	newID       types.IDGenerator
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c types.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator overrides the generator for subscription and event IDs.
func WithIDGenerator(gen types.IDGenerator) Option {
	return func(s *Service) { s.newID = gen }
}

// WithCache enables the snapshot cache.
func WithCache(c SnapshotCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMaxAttempts sets the compare-and-swap retry bound. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService creates a Service.
func NewService(
	gateway external.BillingGateway,
	store Store,
	catalog billing.Catalog,
	evaluator *billing.Evaluator,
	publisher types.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		gateway:     gateway,
		store:       store,
		catalog:     catalog,
		evaluator:   evaluator,
		publisher:   publisher,
		clock:       types.RealClock{},
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListPlans returns the catalog in display order.
func (s *Service) ListPlans() []types.Plan {
	return s.catalog.List()
}

// Start creates the user's subscription. A free plan is live immediately. A
// paid plan is registered with the provider and stored as an INACTIVE
// placeholder until the provider confirms it, unless the provider's
// synchronous answer already reports it active or trialing.
func (s *Service) Start(ctx context.Context, in StartInput) (types.Subscription, error) {
	if in.UserID == "" {
		return types.Subscription{}, types.NewAppError(types.ErrCodeAuthUserMissing, "user id is required", nil)
	}
	if in.TrialDays < 0 || in.TrialDays > MaxTrialDays {
		return types.Subscription{}, types.NewAppErrorWithDetails(types.ErrCodeValidationTrialDays,
			fmt.Sprintf("trial days must be between 0 and %d", MaxTrialDays), nil,
			map[string]any{"trial_days": in.TrialDays})
	}
	plan, err := s.plan(in.PlanCode)
	if err != nil {
		return types.Subscription{}, err
	}

	existing, err := s.store.Subscriptions().FindActiveByUserID(ctx, in.UserID)
	if err != nil {
		return types.Subscription{}, err
	}
	if existing != nil {
		return types.Subscription{}, existsError(existing)
	}

	now := s.clock.Now()
	var sub types.Subscription
	if plan.IsFree() {
		sub = types.NewFreeSubscription(s.newID(), in.UserID, plan.Code, now)
	} else {
		sub, err = s.startPaid(ctx, in, plan, now)
		if err != nil {
			return types.Subscription{}, err
		}
	}

	created, err := s.store.Subscriptions().Create(ctx, sub)
	if err != nil {
		if sub.ExternalSubscriptionID != "" {
			s.compensate(ctx, sub.ExternalSubscriptionID, err)
		}
		return types.Subscription{}, err
	}

	s.logger.InfoContext(ctx, "subscription started",
		"user_id", created.UserID,
		"subscription_id", created.ID,
		"plan", created.PlanCode,
		"status", created.Status,
	)

	events := []types.DomainEvent{s.event(types.EventSubscriptionCreated, created, now, map[string]any{
		"plan":   string(created.PlanCode),
		"status": string(created.Status),
	})}
	if created.Status == types.StatusActive || created.Status == types.StatusTrialing {
		events = append(events, s.event(types.EventSubscriptionActivated, created, now, map[string]any{
			"plan":     string(created.PlanCode),
			"trialing": created.Status == types.StatusTrialing,
		}))
	}
	s.afterWrite(ctx, created.UserID, events)
	return created, nil
}

// startPaid registers the customer and subscription with the provider and
// builds the local snapshot from the provider's answer.
func (s *Service) startPaid(ctx context.Context, in StartInput, plan types.Plan, now time.Time) (types.Subscription, error) {
	priceRef, err := priceFor(plan, in.BillingCycle)
	if err != nil {
		return types.Subscription{}, err
	}
	customerID, err := s.gateway.CreateCustomer(ctx, external.CustomerInput{
		UserID: in.UserID,
		Email:  in.Email,
		Name:   in.Name,
	})
	if err != nil {
		return types.Subscription{}, err
	}
	ps, err := s.gateway.CreateSubscription(ctx, customerID, priceRef, in.TrialDays, map[string]string{
		"user_id": in.UserID,
		"plan":    string(plan.Code),
	})
	if err != nil {
		return types.Subscription{}, err
	}

	sub := types.NewPendingSubscription(s.newID(), in.UserID, plan.Code, customerID, ps.ID, now)
	next, err := fromProvider(sub, ps, now)
	if err != nil {
		// The provider answer is unusable for a live snapshot; keep the
		// placeholder and let the webhook confirm it.
		s.logger.WarnContext(ctx, "provider subscription not applied synchronously",
			"external_subscription_id", ps.ID,
			"error", err,
		)
		return sub, nil
	}
	return next, nil
}

// fromProvider applies a synchronous provider answer to an INACTIVE placeholder.
func fromProvider(sub types.Subscription, ps *external.ProviderSubscription, now time.Time) (types.Subscription, error) {
	switch ps.Status {
	case types.StatusActive:
		return sub.Activate(types.ActivateParams{
			PeriodStart: ps.CurrentPeriodStart,
			PeriodEnd:   ps.CurrentPeriodEnd,
		}, now)
	case types.StatusTrialing:
		start := ps.CurrentPeriodStart
		if ps.TrialStart != nil {
			start = *ps.TrialStart
		}
		end := ps.CurrentPeriodEnd
		if ps.TrialEnd != nil {
			end = *ps.TrialEnd
		}
		return sub.StartTrial(types.ActivateParams{PeriodStart: start, PeriodEnd: end}, now)
	}
	return sub, nil
}

// compensate cancels a provider subscription whose local record could not be
// stored, so the user is not billed for something they cannot see.
func (s *Service) compensate(ctx context.Context, externalID string, cause error) {
	if _, err := s.gateway.CancelSubscription(ctx, externalID, false); err != nil {
		s.logger.ErrorContext(ctx, "failed to cancel orphaned provider subscription",
			"external_subscription_id", externalID,
			"cause", cause,
			"error", err,
		)
		return
	}
	s.logger.WarnContext(ctx, "cancelled orphaned provider subscription",
		"external_subscription_id", externalID,
		"cause", cause,
	)
}

// ChangePlan moves the subscription onto another plan.
//
// Moving to the free plan cancels the paid subscription at the end of the
// period. Moving from the free plan to a paid one replaces the perpetual free
// subscription with a new paid one. Paid-to-paid changes swap the provider
// price and take effect immediately.
func (s *Service) ChangePlan(ctx context.Context, in ChangePlanInput) (types.Subscription, error) {
	target, err := s.plan(in.PlanCode)
	if err != nil {
		return types.Subscription{}, err
	}
	sub, err := s.owned(ctx, in.UserID, in.SubscriptionID)
	if err != nil {
		return types.Subscription{}, err
	}
	if sub.PlanCode == target.Code {
		return types.Subscription{}, types.NewAppErrorWithDetails(types.ErrCodeValidationSamePlan,
			"subscription is already on this plan", nil, map[string]any{"plan": string(target.Code)})
	}

	now := s.clock.Now()
	if _, err := sub.ChangePlan(target.Code, now); err != nil {
		return types.Subscription{}, transitionError(err)
	}

	switch {
	case target.IsFree():
		return s.downgradeToFree(ctx, *sub, target, now)
	case sub.ExternalSubscriptionID == "":
		return s.upgradeFromFree(ctx, *sub, target, in, now)
	}

	priceRef, err := priceFor(target, in.BillingCycle)
	if err != nil {
		return types.Subscription{}, err
	}
	ps, err := s.gateway.ChangePlan(ctx, sub.ExternalSubscriptionID, priceRef)
	if err != nil {
		return types.Subscription{}, err
	}

	from := sub.PlanCode
	updated, err := s.mutate(ctx, sub.ID, func(cur types.Subscription) (types.Subscription, error) {
		next, err := cur.ChangePlan(target.Code, now)
		if err != nil {
			return cur, err
		}
		if ps.CurrentPeriodEnd.After(ps.CurrentPeriodStart) && next.HasPeriodEnd() &&
			!ps.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd) {
			return next.RenewPeriod(ps.CurrentPeriodStart, ps.CurrentPeriodEnd, now)
		}
		return next, nil
	})
	if err != nil {
		return types.Subscription{}, err
	}

	s.logger.InfoContext(ctx, "subscription plan changed",
		"subscription_id", updated.ID,
		"from", from,
		"to", updated.PlanCode,
	)
	s.afterWrite(ctx, updated.UserID, []types.DomainEvent{
		s.event(types.EventSubscriptionPlanChanged, updated, now, map[string]any{
			"from":    string(from),
			"to":      string(updated.PlanCode),
			"upgrade": billing.IsUpgrade(s.catalog, from, updated.PlanCode),
		}),
	})
	return updated, nil
}

func (s *Service) downgradeToFree(ctx context.Context, sub types.Subscription, free types.Plan, now time.Time) (types.Subscription, error) {
	if sub.ExternalSubscriptionID != "" {
		if _, err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID, true); err != nil {
			return types.Subscription{}, err
		}
	}
	updated, err := s.mutate(ctx, sub.ID, func(cur types.Subscription) (types.Subscription, error) {
		return cur.Cancel(false, now)
	})
	if err != nil {
		return types.Subscription{}, err
	}

	data := map[string]any{
		"from":          string(updated.PlanCode),
		"to":            string(free.Code),
		"upgrade":       false,
		"at_period_end": true,
	}
	if updated.HasPeriodEnd() {
		data["effective_at"] = updated.CurrentPeriodEnd
	}
	s.logger.InfoContext(ctx, "subscription scheduled to downgrade to free plan",
		"subscription_id", updated.ID,
		"effective_at", updated.CurrentPeriodEnd,
	)
	s.afterWrite(ctx, updated.UserID, []types.DomainEvent{
		s.event(types.EventSubscriptionPlanChanged, updated, now, data),
	})
	return updated, nil
}

// upgradeFromFree cancels the perpetual free subscription and creates the paid
// one in the same transaction.
func (s *Service) upgradeFromFree(ctx context.Context, sub types.Subscription, target types.Plan, in ChangePlanInput, now time.Time) (types.Subscription, error) {
	paid, err := s.startPaid(ctx, StartInput{
		UserID:       sub.UserID,
		Email:        in.Email,
		PlanCode:     target.Code,
		BillingCycle: in.BillingCycle,
	}, target, now)
	if err != nil {
		return types.Subscription{}, err
	}

	var created types.Subscription
	err = s.store.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		cur, err := repos.Subscriptions().GetByID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Version != sub.Version {
			return types.ErrVersionConflict
		}
		closed, err := cur.Cancel(true, now)
		if err != nil {
			return transitionError(err)
		}
		if _, err := repos.Subscriptions().Update(ctx, closed); err != nil {
			return err
		}
		created, err = repos.Subscriptions().Create(ctx, paid)
		return err
	})
	if err != nil {
		s.compensate(ctx, paid.ExternalSubscriptionID, err)
		return types.Subscription{}, err
	}

	s.logger.InfoContext(ctx, "free subscription upgraded",
		"previous_subscription_id", sub.ID,
		"subscription_id", created.ID,
		"plan", created.PlanCode,
		"status", created.Status,
	)
	events := []types.DomainEvent{
		s.event(types.EventSubscriptionCreated, created, now, map[string]any{
			"plan":   string(created.PlanCode),
			"status": string(created.Status),
		}),
		s.event(types.EventSubscriptionPlanChanged, created, now, map[string]any{
			"from":                     string(sub.PlanCode),
			"to":                       string(created.PlanCode),
			"upgrade":                  true,
			"previous_subscription_id": sub.ID,
		}),
	}
	if created.Status == types.StatusActive || created.Status == types.StatusTrialing {
		events = append(events, s.event(types.EventSubscriptionActivated, created, now, map[string]any{
			"plan":     string(created.PlanCode),
			"trialing": created.Status == types.StatusTrialing,
		}))
	}
	s.afterWrite(ctx, created.UserID, events)
	return created, nil
}

// Cancel ends the subscription now or at the end of the current period.
// Subscriptions without a provider counterpart are always cancelled now.
func (s *Service) Cancel(ctx context.Context, userID, subscriptionID string, immediate bool) (types.Subscription, error) {
	sub, err := s.owned(ctx, userID, subscriptionID)
	if err != nil {
		return types.Subscription{}, err
	}
	if sub.ExternalSubscriptionID == "" || !sub.HasPeriodEnd() {
		immediate = true
	}

	now := s.clock.Now()
	if _, err := sub.Cancel(immediate, now); err != nil {
		return types.Subscription{}, transitionError(err)
	}
	if sub.ExternalSubscriptionID != "" {
		if _, err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID, !immediate); err != nil {
			return types.Subscription{}, err
		}
	}

	updated, err := s.mutate(ctx, sub.ID, func(cur types.Subscription) (types.Subscription, error) {
		return cur.Cancel(immediate, now)
	})
	if err != nil {
		return types.Subscription{}, err
	}

	data := map[string]any{
		"plan":          string(updated.PlanCode),
		"immediate":     immediate,
		"at_period_end": !immediate,
	}
	if !immediate {
		data["access_until"] = updated.CurrentPeriodEnd
	}
	s.logger.InfoContext(ctx, "subscription cancelled",
		"subscription_id", updated.ID,
		"immediate", immediate,
	)
	s.afterWrite(ctx, updated.UserID, []types.DomainEvent{
		s.event(types.EventSubscriptionCanceled, updated, now, data),
	})
	return updated, nil
}

// Get returns the user's current subscription, including an INACTIVE
// placeholder still waiting for provider confirmation.
func (s *Service) Get(ctx context.Context, userID string) (types.Subscription, error) {
	sub, err := s.current(ctx, userID)
	if err != nil {
		return types.Subscription{}, err
	}
	if sub == nil {
		return types.Subscription{}, types.NewAppError(types.ErrCodeNotFoundSubscription, "user has no subscription", nil)
	}
	return *sub, nil
}

// Invoices returns the user's recent provider invoices. Users without a
// provider customer have none.
func (s *Service) Invoices(ctx context.Context, userID string) ([]types.Invoice, error) {
	sub, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ExternalCustomerID == "" {
		return []types.Invoice{}, nil
	}
	return s.gateway.ListInvoices(ctx, sub.ExternalCustomerID, invoiceHistoryLimit)
}

// Entitlements summarizes what the user may do given their usage.
func (s *Service) Entitlements(ctx context.Context, userID string, usage billing.Usage) (billing.Summary, error) {
	sub, err := s.current(ctx, userID)
	if err != nil {
		return billing.Summary{}, err
	}
	return s.evaluator.Summarize(sub, usage, s.clock.Now()), nil
}

// Check answers a single entitlement question.
func (s *Service) Check(ctx context.Context, userID string, req billing.Request) (billing.Decision, error) {
	feature, ok := billing.ParseFeature(string(req.Feature))
	if !ok {
		return billing.Decision{}, types.NewAppErrorWithDetails(types.ErrCodeValidationFeature,
			"unknown feature", nil, map[string]any{"feature": string(req.Feature)})
	}
	req.Feature = feature
	sub, err := s.current(ctx, userID)
	if err != nil {
		return billing.Decision{}, err
	}
	return s.evaluator.Evaluate(sub, req, s.clock.Now()), nil
}

// current reads the user's subscription through the snapshot cache.
func (s *Service) current(ctx context.Context, userID string) (*types.Subscription, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthUserMissing, "user id is required", nil)
	}
	if s.cache != nil {
		sub, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot cache read failed", "user_id", userID, "error", err)
		} else if ok {
			return sub, nil
		}
	}
	sub, err := s.store.Subscriptions().FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, sub); err != nil {
			s.logger.WarnContext(ctx, "snapshot cache write failed", "user_id", userID, "error", err)
		}
	}
	return sub, nil
}

// owned loads a subscription and checks that userID owns it.
func (s *Service) owned(ctx context.Context, userID, subscriptionID string) (*types.Subscription, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthUserMissing, "user id is required", nil)
	}
	sub, err := s.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSubscription, "subscription not found", nil,
			map[string]any{"subscription_id": subscriptionID})
	}
	if sub.UserID != userID {
		return nil, types.NewAppError(types.ErrCodePermissionNotOwner, "subscription belongs to another user", nil)
	}
	return sub, nil
}

// mutate re-reads the subscription and applies fn under the version
// compare-and-swap, retrying when a concurrent writer wins.
func (s *Service) mutate(ctx context.Context, id string, fn func(types.Subscription) (types.Subscription, error)) (types.Subscription, error) {
	var out types.Subscription
	for attempt := 1; ; attempt++ {
		err := s.store.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
			cur, err := repos.Subscriptions().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if cur == nil {
				return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
			}
			next, err := fn(*cur)
			if err != nil {
				return transitionError(err)
			}
			out, err = repos.Subscriptions().Update(ctx, next)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, types.ErrVersionConflict) && attempt < s.maxAttempts {
			s.logger.DebugContext(ctx, "subscription changed concurrently, retrying",
				"subscription_id", id,
				"attempt", attempt,
			)
			continue
		}
		return types.Subscription{}, err
	}
}

// afterWrite drops the cached snapshot and publishes events. Both are
// best-effort; the write already committed.
func (s *Service) afterWrite(ctx context.Context, userID string, events []types.DomainEvent) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "failed to invalidate entitlement snapshot", "user_id", userID, "error", err)
		}
	}
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "failed to publish domain event",
				"domain_event", ev.Type,
				"subscription_id", ev.SubscriptionID,
				"error", err,
			)
		}
	}
}

func (s *Service) event(t types.EventType, sub types.Subscription, now time.Time, data map[string]any) types.DomainEvent {
	return types.DomainEvent{
		ID:             s.newID(),
		Type:           t,
		OccurredAt:     now,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Data:           data,
	}
}

func (s *Service) plan(code types.PlanCode) (types.Plan, error) {
	plan, ok := s.catalog.Get(code)
	if !ok {
		return types.Plan{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"unknown plan", nil, map[string]any{"plan": string(code)})
	}
	return plan, nil
}

func priceFor(plan types.Plan, cycle types.BillingCycle) (string, error) {
	switch cycle {
	case "", types.BillingCycleMonthly, types.BillingCycleYearly:
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationBillingCycle,
			"billing cycle must be monthly or yearly", nil, map[string]any{"billing_cycle": string(cycle)})
	}
	ref := plan.Prices.For(cycle)
	if ref == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationBillingCycle,
			"plan has no price for this billing cycle", nil,
			map[string]any{"plan": string(plan.Code), "billing_cycle": string(cycle)})
	}
	return ref, nil
}

func existsError(sub *types.Subscription) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConflictSubscriptionExists,
		"user already has a subscription", nil, map[string]any{
			"subscription_id": sub.ID,
			"status":          string(sub.Status),
		})
}

func transitionError(err error) error {
	var te *types.InvalidTransitionError
	if errors.As(err, &te) {
		return te.AsAppError()
	}
	return err
}
