package types

import (
	"errors"
	"testing"
	"time"
)

var (
	t0          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodStart = t0
	periodEnd   = t0.AddDate(0, 1, 0)
)

func subWithStatus(status SubscriptionStatus) Subscription {
	return Subscription{
		ID:                 "sub-1",
		UserID:             "user-1",
		PlanCode:           PlanAventurero,
		Status:             status,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		Version:            4,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}
}

func assertInvalidTransition(t *testing.T, err error, op string) {
	t.Helper()
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.Op != op {
		t.Errorf("Op = %q, want %q", ite.Op, op)
	}
}

func TestActivate_Guards(t *testing.T) {
	params := ActivateParams{PeriodStart: periodStart, PeriodEnd: periodEnd, ExternalSubscriptionID: "sub_ext_1"}

	allowed := map[SubscriptionStatus]bool{StatusInactive: true, StatusTrialing: true}
	for _, status := range []SubscriptionStatus{StatusInactive, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled} {
		t.Run(string(status), func(t *testing.T) {
			s := subWithStatus(status)
			s.CancelAtPeriodEnd = true
			next, err := s.Activate(params, t0)

			if !allowed[status] {
				assertInvalidTransition(t, err, OpActivate)
				if next.Status != status {
					t.Errorf("rejected transition changed status to %s", next.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next.Status != StatusActive {
				t.Errorf("Status = %s, want ACTIVE", next.Status)
			}
			if next.CancelAtPeriodEnd {
				t.Error("Activate must clear CancelAtPeriodEnd")
			}
			if next.ExternalSubscriptionID != "sub_ext_1" {
				t.Errorf("ExternalSubscriptionID = %q", next.ExternalSubscriptionID)
			}
		})
	}
}

func TestActivate_RejectsInvertedPeriod(t *testing.T) {
	s := subWithStatus(StatusInactive)
	_, err := s.Activate(ActivateParams{PeriodStart: periodEnd, PeriodEnd: periodStart}, t0)
	if CodeOf(err) != ErrCodeValidationInvalidPeriod {
		t.Errorf("expected invalid period error, got %v", err)
	}
}

func TestTransitions_ReturnNewSnapshot(t *testing.T) {
	s := subWithStatus(StatusActive)
	next, err := s.MarkPastDue(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkPastDue: %v", err)
	}
	if s.Status != StatusActive {
		t.Error("receiver was mutated")
	}
	if next.Status != StatusPastDue {
		t.Errorf("Status = %s, want PAST_DUE", next.Status)
	}
	if next.Version != s.Version {
		t.Error("transitions must not touch Version")
	}
	if !next.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v", next.UpdatedAt)
	}
}

func TestPastDueRoundTrip(t *testing.T) {
	s := subWithStatus(StatusActive)

	pastDue, err := s.MarkPastDue(t0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pastDue.MarkPastDue(t0); err == nil {
		t.Error("MarkPastDue from PAST_DUE should fail")
	}

	active, err := pastDue.MarkActive(t0)
	if err != nil {
		t.Fatal(err)
	}
	if active.Status != StatusActive {
		t.Errorf("Status = %s, want ACTIVE", active.Status)
	}

	_, err = subWithStatus(StatusTrialing).MarkPastDue(t0)
	assertInvalidTransition(t, err, OpMarkPastDue)
	_, err = subWithStatus(StatusActive).MarkActive(t0)
	assertInvalidTransition(t, err, OpMarkActive)
}

func TestCancel(t *testing.T) {
	t.Run("at period end keeps status", func(t *testing.T) {
		s := subWithStatus(StatusActive)
		next, err := s.Cancel(false, t0)
		if err != nil {
			t.Fatal(err)
		}
		if next.Status != StatusActive || !next.CancelAtPeriodEnd {
			t.Errorf("got status=%s flag=%v, want ACTIVE/true", next.Status, next.CancelAtPeriodEnd)
		}
		if next.CanceledAt != nil {
			t.Error("CanceledAt should stay nil until the subscription is canceled")
		}
	})

	t.Run("at period end rejected from past due", func(t *testing.T) {
		_, err := subWithStatus(StatusPastDue).Cancel(false, t0)
		assertInvalidTransition(t, err, OpCancel)
	})

	t.Run("immediate from past due", func(t *testing.T) {
		next, err := subWithStatus(StatusPastDue).Cancel(true, t0)
		if err != nil {
			t.Fatal(err)
		}
		if next.Status != StatusCanceled || next.CanceledAt == nil || !next.CanceledAt.Equal(t0) {
			t.Errorf("got status=%s canceledAt=%v", next.Status, next.CanceledAt)
		}
	})

	t.Run("immediate twice rejected", func(t *testing.T) {
		_, err := subWithStatus(StatusCanceled).Cancel(true, t0)
		assertInvalidTransition(t, err, OpCancel)
	})
}

func TestExpireAtPeriodEnd(t *testing.T) {
	s := subWithStatus(StatusActive)
	flagged, _ := s.Cancel(false, t0)

	if _, err := flagged.ExpireAtPeriodEnd(periodEnd.Add(-time.Second)); err == nil {
		t.Error("expiring before the period end should fail")
	}
	_, err := flagged.ExpireAtPeriodEnd(periodEnd)
	assertInvalidTransition(t, err, OpExpirePeriod)

	expired, err := flagged.ExpireAtPeriodEnd(periodEnd.Add(time.Second))
	if err != nil {
		t.Fatalf("ExpireAtPeriodEnd: %v", err)
	}
	if expired.Status != StatusCanceled {
		t.Errorf("Status = %s, want CANCELED", expired.Status)
	}

	_, err = expired.ExpireAtPeriodEnd(periodEnd.Add(2 * time.Second))
	assertInvalidTransition(t, err, OpExpirePeriod)

	_, err = s.ExpireAtPeriodEnd(periodEnd.Add(time.Second))
	assertInvalidTransition(t, err, OpExpirePeriod)
}

func TestChangePlan(t *testing.T) {
	next, err := subWithStatus(StatusTrialing).ChangePlan(PlanExpedicionario, t0)
	if err != nil {
		t.Fatal(err)
	}
	if next.PlanCode != PlanExpedicionario || next.Status != StatusTrialing {
		t.Errorf("got plan=%s status=%s", next.PlanCode, next.Status)
	}

	for _, status := range []SubscriptionStatus{StatusInactive, StatusPastDue, StatusCanceled} {
		_, err := subWithStatus(status).ChangePlan(PlanExpedicionario, t0)
		assertInvalidTransition(t, err, OpChangePlan)
	}
}

func TestStartTrialAndExpire(t *testing.T) {
	trialEnd := t0.AddDate(0, 0, 14)
	trial, err := subWithStatus(StatusInactive).StartTrial(ActivateParams{PeriodStart: t0, PeriodEnd: trialEnd}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if trial.Status != StatusTrialing || trial.TrialEnd == nil || !trial.TrialEnd.Equal(trialEnd) {
		t.Fatalf("unexpected trial snapshot: %+v", trial)
	}

	if _, err := trial.ExpireTrial(PlanExplorador, trialEnd.Add(-time.Minute)); err == nil {
		t.Error("ExpireTrial before trial end should fail")
	}

	free, err := trial.ExpireTrial(PlanExplorador, trialEnd.AddDate(0, 0, 3))
	if err != nil {
		t.Fatal(err)
	}
	if free.PlanCode != PlanExplorador || free.Status != StatusActive || !free.IsPerpetual {
		t.Errorf("got plan=%s status=%s perpetual=%v", free.PlanCode, free.Status, free.IsPerpetual)
	}
	if free.HasPeriodEnd() {
		t.Error("perpetual subscription should not have a period end")
	}
	if err := free.Validate(); err != nil {
		t.Errorf("downgraded subscription should validate: %v", err)
	}
}

func TestRescheduleTrial(t *testing.T) {
	trialEnd := t0.AddDate(0, 0, 1)
	trial, err := subWithStatus(StatusInactive).StartTrial(ActivateParams{PeriodStart: t0, PeriodEnd: trialEnd}, t0)
	if err != nil {
		t.Fatal(err)
	}

	extendedEnd := t0.AddDate(0, 0, 14)
	extended, err := trial.RescheduleTrial(t0, extendedEnd, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RescheduleTrial: %v", err)
	}
	if extended.Status != StatusTrialing || !extended.TrialEnd.Equal(extendedEnd) {
		t.Errorf("status=%s trial_end=%v", extended.Status, extended.TrialEnd)
	}
	if !trial.TrialEnd.Equal(trialEnd) {
		t.Error("receiver must not change")
	}
	if _, err := extended.ExpireTrial(PlanExplorador, trialEnd.Add(time.Hour)); err == nil {
		t.Error("an extended trial must not expire at the old trial end")
	}

	if _, err := trial.RescheduleTrial(extendedEnd, t0, t0); CodeOf(err) != ErrCodeValidationInvalidPeriod {
		t.Errorf("inverted window: err = %v", err)
	}

	_, err = subWithStatus(StatusActive).RescheduleTrial(t0, extendedEnd, t0)
	assertInvalidTransition(t, err, OpRescheduleTrial)
}

func TestRenewPeriodAndResume(t *testing.T) {
	s := subWithStatus(StatusActive)
	s.CancelAtPeriodEnd = true

	resumed, err := s.Resume(t0)
	if err != nil || resumed.CancelAtPeriodEnd {
		t.Fatalf("Resume: err=%v flag=%v", err, resumed.CancelAtPeriodEnd)
	}

	renewed, err := resumed.RenewPeriod(periodEnd, periodEnd.AddDate(0, 1, 0), t0)
	if err != nil {
		t.Fatal(err)
	}
	if !renewed.CurrentPeriodStart.Equal(periodEnd) {
		t.Errorf("CurrentPeriodStart = %v", renewed.CurrentPeriodStart)
	}

	free := NewFreeSubscription("sub-2", "user-2", PlanExplorador, t0)
	_, err = free.RenewPeriod(t0, t0.AddDate(0, 1, 0), t0)
	assertInvalidTransition(t, err, OpRenewPeriod)
}

func TestObserveEvent(t *testing.T) {
	s := subWithStatus(StatusActive)
	if s.IsStaleEvent(t0) {
		t.Error("no event observed yet; nothing is stale")
	}

	s = s.ObserveEvent(t0.Add(time.Minute))
	s = s.ObserveEvent(t0)
	if !s.LastEventAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastEventAt regressed to %v", s.LastEventAt)
	}
	if !s.IsStaleEvent(t0) {
		t.Error("older event should be stale")
	}
	if s.IsStaleEvent(t0.Add(time.Minute)) {
		t.Error("event at the same instant is not stale")
	}
}

func TestValidate(t *testing.T) {
	if err := subWithStatus(StatusActive).Validate(); err != nil {
		t.Errorf("valid snapshot rejected: %v", err)
	}

	bad := subWithStatus(StatusActive)
	bad.CurrentPeriodEnd = bad.CurrentPeriodStart
	if err := bad.Validate(); CodeOf(err) != ErrCodeValidationInvalidPeriod {
		t.Errorf("expected invalid period, got %v", err)
	}

	unknown := subWithStatus("PAUSED")
	if err := unknown.Validate(); CodeOf(err) != ErrCodeValidationInvalidStatus {
		t.Errorf("expected invalid status, got %v", err)
	}
}
