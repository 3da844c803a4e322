package core

import (
	"errors"
	"testing"

	"tripbilling/internal/types"
)

type startRequest struct {
	Email        string `json:"email" validate:"omitempty,email"`
	Plan         string `json:"plan" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
	TrialDays    int    `json:"trial_days" validate:"gte=0,lte=30"`
	Internal     string `json:"-" validate:"omitempty,len=3"`
}

func TestValidateStruct_Valid(t *testing.T) {
	v := NewValidator(testLogger())
	if err := v.ValidateStruct(startRequest{Plan: "AVENTURERO", BillingCycle: "yearly", TrialDays: 14}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateStruct_ReportsJSONFieldNames(t *testing.T) {
	v := NewValidator(testLogger())
	err := v.ValidateStruct(startRequest{Email: "not-an-email", BillingCycle: "weekly", TrialDays: 45})

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("code = %s", appErr.Code)
	}
	fields, ok := appErr.Details["fields"].([]FieldError)
	if !ok {
		t.Fatalf("details = %#v", appErr.Details)
	}
	got := map[string]string{}
	for _, f := range fields {
		got[f.Field] = f.Rule
	}
	want := map[string]string{"email": "email", "plan": "required", "billing_cycle": "oneof", "trial_days": "lte"}
	for field, rule := range want {
		if got[field] != rule {
			t.Errorf("field %s: rule %q, want %q", field, got[field], rule)
		}
	}
}

func TestValidateStruct_NonStructIsInternalError(t *testing.T) {
	v := NewValidator(nil)
	if code := types.CodeOf(v.ValidateStruct(42)); code != types.ErrCodeInternalUnexpected {
		t.Errorf("code = %s", code)
	}
}
