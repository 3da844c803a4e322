package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/core"
	"tripbilling/internal/subscription"
	"tripbilling/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// userRouter mounts routes the way core.Server does for user-scoped groups.
func userRouter(register func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(core.UserIdentityMiddleware)
		register(r)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(core.UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return resp.Error.Code
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return env.Data
}

type mockSubscriptionService struct {
	startFn      func(ctx context.Context, in subscription.StartInput) (types.Subscription, error)
	changePlanFn func(ctx context.Context, in subscription.ChangePlanInput) (types.Subscription, error)
	cancelFn     func(ctx context.Context, userID, subID string, immediate bool) (types.Subscription, error)
	getFn        func(ctx context.Context, userID string) (types.Subscription, error)
	invoicesFn   func(ctx context.Context, userID string) ([]types.Invoice, error)
}

func (m *mockSubscriptionService) ListPlans() []types.Plan {
	return []types.Plan{
		{Code: types.PlanExplorador, Name: "Explorador"},
		{Code: types.PlanAventurero, Name: "Aventurero", MonthlyPrice: 499},
	}
}

func (m *mockSubscriptionService) Start(ctx context.Context, in subscription.StartInput) (types.Subscription, error) {
	return m.startFn(ctx, in)
}

func (m *mockSubscriptionService) ChangePlan(ctx context.Context, in subscription.ChangePlanInput) (types.Subscription, error) {
	return m.changePlanFn(ctx, in)
}

func (m *mockSubscriptionService) Cancel(ctx context.Context, userID, subID string, immediate bool) (types.Subscription, error) {
	return m.cancelFn(ctx, userID, subID, immediate)
}

func (m *mockSubscriptionService) Get(ctx context.Context, userID string) (types.Subscription, error) {
	return m.getFn(ctx, userID)
}

func (m *mockSubscriptionService) Invoices(ctx context.Context, userID string) ([]types.Invoice, error) {
	return m.invoicesFn(ctx, userID)
}

func newSubscriptionRouter(svc SubscriptionService) http.Handler {
	h := NewSubscriptionHandler(svc, core.NewValidator(testLogger()), testLogger())
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		h.RegisterPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(core.UserIdentityMiddleware)
			h.RegisterRoutes(r)
		})
	})
	return r
}

func TestListPlans_NoIdentityRequired(t *testing.T) {
	rec := do(t, newSubscriptionRouter(&mockSubscriptionService{}), http.MethodGet, "/v1/plans", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	plans := decodeData[[]types.Plan](t, rec)
	if len(plans) != 2 || plans[1].Code != types.PlanAventurero {
		t.Errorf("plans = %+v", plans)
	}
}

func TestCurrent_RequiresIdentity(t *testing.T) {
	rec := do(t, newSubscriptionRouter(&mockSubscriptionService{}), http.MethodGet, "/v1/subscriptions/current", "", "")
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != string(types.ErrCodeAuthUserMissing) {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCurrent_ReturnsSubscription(t *testing.T) {
	svc := &mockSubscriptionService{getFn: func(_ context.Context, userID string) (types.Subscription, error) {
		return types.Subscription{UserID: userID, PlanCode: types.PlanExplorador, Status: types.StatusInactive}, nil
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodGet, "/v1/subscriptions/current", "user-1", "")
	sub := decodeData[types.Subscription](t, rec)
	if rec.Code != http.StatusOK || sub.UserID != "user-1" || sub.Status != types.StatusInactive {
		t.Errorf("got %d %+v", rec.Code, sub)
	}
}

func TestStart_Success(t *testing.T) {
	var got subscription.StartInput
	svc := &mockSubscriptionService{startFn: func(_ context.Context, in subscription.StartInput) (types.Subscription, error) {
		got = in
		return types.Subscription{ID: "sub_1", UserID: in.UserID, PlanCode: in.PlanCode, Status: types.StatusTrialing}, nil
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodPost, "/v1/subscriptions", "user-1",
		`{"plan":"AVENTURERO","billing_cycle":"yearly","trial_days":7,"email":"ana@example.com"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if got.UserID != "user-1" || got.PlanCode != types.PlanAventurero || got.BillingCycle != types.BillingCycleYearly || got.TrialDays != 7 {
		t.Errorf("input = %+v", got)
	}
}

func TestStart_Validation(t *testing.T) {
	svc := &mockSubscriptionService{startFn: func(context.Context, subscription.StartInput) (types.Subscription, error) {
		t.Error("service must not be called")
		return types.Subscription{}, nil
	}}
	tests := []struct {
		name string
		body string
		code types.ErrorCode
	}{
		{"missing plan", `{"trial_days":3}`, types.ErrCodeValidationMissingField},
		{"trial too long", `{"plan":"AVENTURERO","trial_days":60}`, types.ErrCodeValidationMissingField},
		{"bad cycle", `{"plan":"AVENTURERO","billing_cycle":"weekly"}`, types.ErrCodeValidationMissingField},
		{"unknown field", `{"plan":"AVENTURERO","coupon":"FREE"}`, types.ErrCodeValidationInvalidJSON},
		{"user id in body rejected", `{"plan":"AVENTURERO","UserID":"other"}`, types.ErrCodeValidationInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newSubscriptionRouter(svc), http.MethodPost, "/v1/subscriptions", "user-1", tt.body)
			if rec.Code != http.StatusBadRequest || errorCode(t, rec) != string(tt.code) {
				t.Errorf("got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStart_ConflictFromService(t *testing.T) {
	svc := &mockSubscriptionService{startFn: func(context.Context, subscription.StartInput) (types.Subscription, error) {
		return types.Subscription{}, types.NewAppError(types.ErrCodeConflictSubscriptionExists, "user already has a subscription", nil)
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodPost, "/v1/subscriptions", "user-1", `{"plan":"EXPLORADOR"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestChangePlan_PassesPathID(t *testing.T) {
	var got subscription.ChangePlanInput
	svc := &mockSubscriptionService{changePlanFn: func(_ context.Context, in subscription.ChangePlanInput) (types.Subscription, error) {
		got = in
		return types.Subscription{ID: in.SubscriptionID, PlanCode: in.PlanCode}, nil
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodPut, "/v1/subscriptions/sub_9", "user-2", `{"plan":"EXPEDICIONARIO"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if got.SubscriptionID != "sub_9" || got.UserID != "user-2" || got.PlanCode != types.PlanExpedicionario {
		t.Errorf("input = %+v", got)
	}
}

func TestChangePlan_NotOwner(t *testing.T) {
	svc := &mockSubscriptionService{changePlanFn: func(context.Context, subscription.ChangePlanInput) (types.Subscription, error) {
		return types.Subscription{}, types.NewAppError(types.ErrCodePermissionNotOwner, "subscription belongs to another user", nil)
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodPut, "/v1/subscriptions/sub_9", "user-2", `{"plan":"AVENTURERO"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCancel_ImmediateFlag(t *testing.T) {
	tests := []struct {
		query     string
		immediate bool
		status    int
	}{
		{"", false, http.StatusOK},
		{"?immediate=true", true, http.StatusOK},
		{"?immediate=0", false, http.StatusOK},
		{"?immediate=soon", false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			called := false
			svc := &mockSubscriptionService{cancelFn: func(_ context.Context, userID, subID string, immediate bool) (types.Subscription, error) {
				called = true
				if userID != "user-3" || subID != "sub_3" || immediate != tt.immediate {
					t.Errorf("cancel(%s, %s, %v)", userID, subID, immediate)
				}
				now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
				return types.Subscription{ID: subID, Status: types.StatusCanceled, CanceledAt: &now}, nil
			}}
			rec := do(t, newSubscriptionRouter(svc), http.MethodDelete, "/v1/subscriptions/sub_3"+tt.query, "user-3", "")
			if rec.Code != tt.status {
				t.Errorf("status = %d", rec.Code)
			}
			if called != (tt.status == http.StatusOK) {
				t.Errorf("service called = %v", called)
			}
		})
	}
}

func TestInvoices_EmptyListIsArray(t *testing.T) {
	svc := &mockSubscriptionService{invoicesFn: func(context.Context, string) ([]types.Invoice, error) {
		return nil, nil
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodGet, "/v1/subscriptions/invoices", "user-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestInvoices_UpstreamFailure(t *testing.T) {
	svc := &mockSubscriptionService{invoicesFn: func(context.Context, string) ([]types.Invoice, error) {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "billing provider unavailable", nil)
	}}
	rec := do(t, newSubscriptionRouter(svc), http.MethodGet, "/v1/subscriptions/invoices", "user-1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
