package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/lock"
	"routecash/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodOptions, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusNoContent)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t)
	seller := env.token(t, "seller-1", domain.RoleSeller)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"business_date":"2026-03-14","amount":"1.00","bank_account":"%s","reference_code":"x"}`, veryLong)

	rec := env.do(t, http.MethodPost, "/api/v1/deposits", seller, body)
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestUnknownFieldsRejected(t *testing.T) {
	env := newTestEnv(t)
	seller := env.token(t, "seller-1", domain.RoleSeller)

	rec := env.do(t, http.MethodPost, "/api/v1/closures", seller, `{"business_date":"2026-03-14","force":true}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestValidationErrorsListFields(t *testing.T) {
	env := newTestEnv(t)
	seller := env.token(t, "seller-1", domain.RoleSeller)

	rec := env.do(t, http.MethodPost, "/api/v1/deposits", seller, map[string]any{
		"business_date": "14/03/2026",
		"amount":        "10.00",
	})
	expectStatus(t, rec, http.StatusBadRequest)

	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rec, &body)
	for field, tag := range map[string]string{"BusinessDate": "datetime", "BankAccount": "required", "ReferenceCode": "required"} {
		if body.Fields[field] != tag {
			t.Fatalf("expected %s=%s in %v", field, tag, body.Fields)
		}
	}
}

func TestMalformedAmountRejected(t *testing.T) {
	env := newTestEnv(t)
	seller := env.token(t, "seller-1", domain.RoleSeller)

	rec := env.do(t, http.MethodPost, "/api/v1/deposits", seller, map[string]any{
		"business_date":  "2026-03-14",
		"amount":         "10.005",
		"bank_account":   "ACC-1",
		"reference_code": "REF-1",
	})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "mgr-9", domain.RoleManager)

	for i := 0; i < 6; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/reconciliations/rec-missing/approve", manager, nil, "X-Manager-PIN", "111111")
		if i < 5 && rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before limit, got %d", i+1, rec.Code)
		}
		if i == 5 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", rec.Code)
		}
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("", 200, 500); got != 200 {
		t.Fatalf("expected fallback 200, got %d", got)
	}
	if got := parsePositiveLimit("-3", 200, 500); got != 200 {
		t.Fatalf("expected fallback for negative, got %d", got)
	}
	if got := parsePositiveLimit("9000", 200, 500); got != 500 {
		t.Fatalf("expected cap 500, got %d", got)
	}
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{store.Forbidden("nope"), http.StatusForbidden},
		{store.NotFound("sale", "s-1"), http.StatusNotFound},
		{store.Validation("cart", "c-1", "bad"), http.StatusBadRequest},
		{store.InsufficientStock("p-1", 4, 3), http.StatusUnprocessableEntity},
		{&store.Error{Kind: store.ErrValidation, Err: store.ErrInsufficientStock}, http.StatusUnprocessableEntity},
		{store.StockConflict("p-1", 4, 3), http.StatusConflict},
		{&store.Error{Kind: store.ErrDuplicateReconciliation}, http.StatusConflict},
		{store.StateTransition("reconciliation", "r-1", "reconciled", "approved"), http.StatusConflict},
		{fmt.Errorf("%w: closure:x", lock.ErrBusy), http.StatusConflict},
		{&store.Error{Kind: store.ErrMissingDeposit}, http.StatusUnprocessableEntity},
		{&store.Error{Kind: store.ErrNothingToClose}, http.StatusUnprocessableEntity},
		{store.Storage("sale/1", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
