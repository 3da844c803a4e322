package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tripbilling/internal/types"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	return resp.Error
}

func TestError_StatusMapping(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrCodeValidationInvalidPlan, http.StatusBadRequest},
		{types.ErrCodeAuthWebhookSignature, http.StatusUnauthorized},
		{types.ErrCodePermissionNotOwner, http.StatusForbidden},
		{types.ErrCodeLimitFeatureDenied, http.StatusForbidden},
		{types.ErrCodeNotFoundSubscription, http.StatusNotFound},
		{types.ErrCodeConflictSubscriptionExists, http.StatusConflict},
		{types.ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{types.ErrCodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{types.ErrCodeUpstreamStripe, http.StatusBadGateway},
		{types.ErrCodeInternalDB, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), types.NewAppError(tt.code, "msg", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := decodeError(t, rec); got.Code != string(tt.code) || got.Message != "msg" {
				t.Errorf("detail = %+v", got)
			}
		})
	}
}

func TestError_HidesGenericAndWrappedCauses(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("generic error text leaked")
	}

	rec = httptest.NewRecorder()
	wrapped := types.NewAppError(types.ErrCodeInternalDB, "database unavailable", errors.New("dial tcp 10.0.0.3:5432"))
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), wrapped)
	if strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Error("wrapped cause leaked")
	}
}

func TestError_IncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewAppErrorWithDetails(types.ErrCodeLimitFeatureDenied, "limit reached", nil, map[string]any{"limit": 3})
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), err)
	if got := decodeError(t, rec); got.Details["limit"] != float64(3) {
		t.Errorf("details = %v", got.Details)
	}
}

type decodeTarget struct {
	Plan      string `json:"plan"`
	TrialDays int    `json:"trial_days"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"plan":"AVENTURERO","trial_days":7}`, false},
		{"empty", ``, true},
		{"syntax", `{"plan":`, true},
		{"unknown field", `{"plan":"AVENTURERO","coupon":"X"}`, true},
		{"wrong type", `{"trial_days":"seven"}`, true},
		{"trailing value", `{"plan":"A"}{"plan":"B"}`, true},
		{"too large", `{"plan":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst decodeTarget
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if dst.Plan != "AVENTURERO" || dst.TrialDays != 7 {
					t.Errorf("dst = %+v", dst)
				}
				return
			}
			if types.CodeOf(err) != types.ErrCodeValidationInvalidJSON {
				t.Errorf("code = %s (%v)", types.CodeOf(err), err)
			}
		})
	}
}
