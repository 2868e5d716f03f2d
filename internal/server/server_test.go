package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/serpco/storefront/internal/backfill"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/zap"
)

type stubPayments struct {
	provider string
	payload  []byte
	err      error
}

func (s *stubPayments) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	s.provider = provider
	s.payload = payload
	return s.err
}

type stubBackfill struct {
	opts     backfill.Options
	counters backfill.Counters
	err      error
	calls    int
}

func (s *stubBackfill) Run(ctx context.Context, opts backfill.Options) (backfill.Counters, error) {
	s.calls++
	s.opts = opts
	return s.counters, s.err
}

func newTestServer(t *testing.T, cfg config.Config, payments *stubPayments, bf *stubBackfill) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	node, err := snowflake.NewNode(9)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return NewServer(ServerParams{
		Gin:      NewEngine(cfg, node),
		Config:   cfg,
		Payments: payments,
		Backfill: bf,
		Log:      zap.NewNop(),
	})
}

func TestHandlePaymentWebhookAcknowledges(t *testing.T) {
	payments := &stubPayments{}
	s := newTestServer(t, config.Config{}, payments, &stubBackfill{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["received"] {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if payments.provider != "stripe" {
		t.Fatalf("provider = %q", payments.provider)
	}
	if string(payments.payload) != `{"id":"evt_1"}` {
		t.Fatalf("payload = %q", payments.payload)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
}

func TestHandlePaymentWebhookMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"signature", domain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
		{"payload", domain.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
		{"provider", domain.ErrInvalidProvider, http.StatusNotFound, "unknown_provider"},
		{"config", domain.ErrInvalidConfig, http.StatusBadRequest, "invalid_provider_config"},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, config.Config{}, &stubPayments{err: tc.err}, &stubBackfill{})

			req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			s.Engine().ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Type != tc.typ {
				t.Fatalf("type = %q, want %q", body.Error.Type, tc.typ)
			}
		})
	}
}

func TestEntitlementRetryParsesOptions(t *testing.T) {
	bf := &stubBackfill{counters: backfill.Counters{Scanned: 4, Attempted: 2, Succeeded: 2}}
	s := newTestServer(t, config.Config{}, &stubPayments{}, bf)

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/entitlements/retry?limit=5&lookbackHours=48&dryRun=true&alert=true", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	want := backfill.Options{Limit: 5, LookbackHours: 48, DryRun: true, Alert: true}
	if bf.opts != want {
		t.Fatalf("opts = %+v", bf.opts)
	}
	var counters backfill.Counters
	if err := json.Unmarshal(rec.Body.Bytes(), &counters); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counters != bf.counters {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestEntitlementRetryRequiresTokenWhenConfigured(t *testing.T) {
	cfg := config.Config{}
	cfg.Monitoring.Token = "ops-secret"
	bf := &stubBackfill{}
	s := newTestServer(t, cfg, &stubPayments{}, bf)

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/entitlements/retry", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if bf.calls != 0 {
		t.Fatal("backfill ran without credentials")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/monitoring/entitlements/retry", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	rec = httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/monitoring/entitlements/retry", nil)
	req.Header.Set("X-Monitoring-Token", "ops-secret")
	rec = httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("header status = %d", rec.Code)
	}
	if bf.calls != 2 {
		t.Fatalf("calls = %d", bf.calls)
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := config.Config{AppName: "storefront", AppVersion: "0.1.0"}
	s := newTestServer(t, cfg, &stubPayments{}, &stubBackfill{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["service"] != "storefront" {
		t.Fatalf("body = %v", body)
	}
}
