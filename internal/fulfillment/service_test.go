package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serpco/storefront/internal/checkout/domain"
	"github.com/serpco/storefront/internal/checkout/repository"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/crm"
	"github.com/serpco/storefront/internal/entitlements"
	"github.com/serpco/storefront/internal/offers"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	paymentdomain "github.com/serpco/storefront/internal/payment/domain"
)

type fakeGranter struct {
	result entitlements.Result
	got    []entitlements.GrantRequest
}

func (f *fakeGranter) Grant(ctx context.Context, req entitlements.GrantRequest) entitlements.Result {
	f.got = append(f.got, req)
	return f.result
}

func (f *fakeGranter) Revoke(ctx context.Context, req entitlements.RevokeRequest) entitlements.Result {
	return entitlements.Result{Status: entitlements.StatusSucceeded}
}

type fakeCRM struct {
	result crm.Result
	got    []crm.SyncRequest
}

func (f *fakeCRM) SyncOrder(ctx context.Context, req crm.SyncRequest) crm.Result {
	f.got = append(f.got, req)
	return f.result
}

type fakeNotifier struct {
	subjects []string
	fields   []map[string]any
}

func (f *fakeNotifier) Notify(ctx context.Context, subject string, fields map[string]any) error {
	f.subjects = append(f.subjects, subject)
	f.fields = append(f.fields, fields)
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_fulfillment_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE checkout_sessions (
			id BIGINT PRIMARY KEY,
			provider_session_id TEXT NOT NULL,
			provider_payment_intent_id TEXT,
			offer_id TEXT,
			lander_id TEXT,
			customer_email TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_checkout_sessions_provider_session ON checkout_sessions(provider_session_id)`,
		`CREATE TABLE orders (
			id BIGINT PRIMARY KEY,
			checkout_session_id BIGINT,
			provider_session_id TEXT NOT NULL,
			payment_intent_id TEXT,
			charge_id TEXT,
			amount_total BIGINT,
			currency TEXT,
			offer_id TEXT,
			lander_id TEXT,
			customer_email TEXT,
			customer_name TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			payment_status TEXT,
			payment_method TEXT,
			source TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_orders_source_session ON orders(source, provider_session_id)`,
		`CREATE TABLE webhook_logs (
			id BIGINT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL,
			provider_session_id TEXT,
			event_type TEXT,
			offer_id TEXT,
			lander_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			message TEXT,
			last_error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			entitlement_status TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			last_attempt_at TIMESTAMP,
			last_success_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_webhook_logs_payment_intent ON webhook_logs(payment_intent_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newService(t *testing.T, db *gorm.DB, granter *fakeGranter, crmSync *fakeCRM, notifier *fakeNotifier) (Service, domain.Repository) {
	t.Helper()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	catalog := offers.NewFromOffers(&offers.Offer{
		ID:                  "demo-kit",
		ProductName:         "Demo Kit",
		LicenseEntitlements: []string{"demo-kit-pro"},
		LicenseTier:         "pro",
		GHL:                 &offers.GHLSettings{TagIDs: []string{"tag-1"}, WorkflowIDs: []string{"wf-1"}},
	})
	cfg := config.Config{}
	cfg.Alert.FailureThreshold = 3
	repo := repository.Provide()
	svc := NewService(Params{
		DB:           db,
		Repo:         repo,
		Catalog:      catalog,
		Entitlements: granter,
		CRM:          crmSync,
		Notifier:     notifier,
		Clock:        clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Node:         node,
		Config:       cfg,
		Log:          zap.NewNop(),
	})
	return svc, repo
}

func seedSession(t *testing.T, db *gorm.DB, id int64, sessionID, status string) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO checkout_sessions (id, provider_session_id, metadata, status, created_at, updated_at)
		 VALUES (?, ?, '{}', ?, ?, ?)`,
		id, sessionID, status, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func testOrder() *paymentdomain.NormalizedOrder {
	amount := int64(9900)
	return &paymentdomain.NormalizedOrder{
		Provider:          paymentdomain.ProviderStripe,
		ProviderMode:      paymentdomain.ModeLive,
		ProviderSessionID: "cs_1",
		ProviderPaymentID: "pi_1",
		OfferID:           "demo-kit",
		ProductSlug:       "demo-kit",
		LanderID:          "demo-kit",
		CustomerEmail:     "buyer@example.com",
		CustomerName:      "Buyer One",
		AmountTotal:       &amount,
		Currency:          "USD",
		PaymentStatus:     "paid",
		PaymentMethod:     "card",
		Metadata:          map[string]string{"stripe_event_type": "checkout.session.completed"},
		ResolvedTagIDs:    []string{"tag-1"},
	}
}

func TestProcessFulfilledOrderHappyPath(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded, Entitlements: []string{"demo-kit-pro", "demo-kit"}, Tier: "pro"}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusSucceeded, ContactID: "contact-1"}}
	svc, repo := newService(t, db, granter, crmSync, &fakeNotifier{})
	seedSession(t, db, 101, "cs_1", domain.SessionStatusPending)

	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process: %v", err)
	}

	var status string
	var intent *string
	row := db.Raw(`SELECT status, provider_payment_intent_id FROM checkout_sessions WHERE provider_session_id = 'cs_1'`).Row()
	if err := row.Scan(&status, &intent); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if status != domain.SessionStatusCompleted || intent == nil || *intent != "pi_1" {
		t.Fatalf("session = %q %v", status, intent)
	}

	order, err := repo.FindOrder(context.Background(), db, "stripe", "cs_1")
	if err != nil || order == nil {
		t.Fatalf("find order: %v %v", order, err)
	}
	if order.CheckoutSessionID == nil || *order.CheckoutSessionID != snowflake.ID(101) {
		t.Fatalf("checkout session link = %v", order.CheckoutSessionID)
	}
	if order.AmountTotal == nil || *order.AmountTotal != 9900 {
		t.Fatalf("amount = %v", order.AmountTotal)
	}
	var orderMeta map[string]any
	if err := json.Unmarshal(order.Metadata, &orderMeta); err != nil {
		t.Fatalf("order metadata: %v", err)
	}
	if orderMeta["provider"] != "stripe" || orderMeta["productSlug"] != "demo-kit" {
		t.Fatalf("metadata = %v", orderMeta)
	}

	log, err := repo.FindLog(context.Background(), db, "pi_1")
	if err != nil || log == nil {
		t.Fatalf("find log: %v %v", log, err)
	}
	if log.Status != domain.LogStatusSuccess || log.Attempts != 1 {
		t.Fatalf("log = %q attempts=%d", log.Status, log.Attempts)
	}
	if log.EntitlementStatus == nil || *log.EntitlementStatus != entitlements.StatusSucceeded {
		t.Fatalf("entitlement status = %v", log.EntitlementStatus)
	}
	var logMeta map[string]any
	if err := json.Unmarshal(log.Metadata, &logMeta); err != nil {
		t.Fatalf("log metadata: %v", err)
	}
	if _, ok := logMeta["entitlementGrant"]; !ok {
		t.Fatalf("log metadata = %v", logMeta)
	}
	resolved, _ := logMeta["license_entitlements_resolved"].([]any)
	if len(resolved) != 2 || resolved[0] != "demo-kit-pro" || resolved[1] != "demo-kit" {
		t.Fatalf("resolved entitlements = %v", resolved)
	}

	if len(granter.got) != 1 {
		t.Fatalf("grants = %d", len(granter.got))
	}
	if granter.got[0].Tier != "pro" || granter.got[0].Email != "buyer@example.com" {
		t.Fatalf("grant request = %+v", granter.got[0])
	}
	if len(crmSync.got) != 1 {
		t.Fatalf("crm syncs = %d", len(crmSync.got))
	}
	if len(crmSync.got[0].TagIDs) != 1 || crmSync.got[0].TagIDs[0] != "tag-1" {
		t.Fatalf("crm tags = %v", crmSync.got[0].TagIDs)
	}
	if len(crmSync.got[0].WorkflowIDs) != 1 || crmSync.got[0].WorkflowIDs[0] != "wf-1" {
		t.Fatalf("crm workflows = %v", crmSync.got[0].WorkflowIDs)
	}
}

func TestProcessFulfilledOrderIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusSucceeded}}
	svc, _ := newService(t, db, granter, crmSync, &fakeNotifier{})
	seedSession(t, db, 102, "cs_1", domain.SessionStatusPending)

	for i := 0; i < 2; i++ {
		if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	var orderCount, logCount int
	db.Raw(`SELECT COUNT(*) FROM orders`).Scan(&orderCount)
	db.Raw(`SELECT COUNT(*) FROM webhook_logs`).Scan(&logCount)
	if orderCount != 1 || logCount != 1 {
		t.Fatalf("orders=%d logs=%d", orderCount, logCount)
	}
}

func TestProcessFulfilledOrderWithoutSessionStillWritesOrder(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusSucceeded}}
	svc, repo := newService(t, db, granter, crmSync, &fakeNotifier{})

	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process: %v", err)
	}
	order, err := repo.FindOrder(context.Background(), db, "stripe", "cs_1")
	if err != nil || order == nil {
		t.Fatalf("find order: %v %v", order, err)
	}
	if order.CheckoutSessionID != nil {
		t.Fatalf("session link = %v", order.CheckoutSessionID)
	}
}

func TestGrantFailureMarksLogForRetry(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{
		Status: entitlements.StatusFailed,
		Reason: "entitlements request failed: 502 Bad Gateway",
	}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusSucceeded}}
	svc, repo := newService(t, db, granter, crmSync, &fakeNotifier{})

	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process: %v", err)
	}

	log, err := repo.FindLog(context.Background(), db, "pi_1")
	if err != nil || log == nil {
		t.Fatalf("find log: %v %v", log, err)
	}
	if log.Status != domain.LogStatusError {
		t.Fatalf("status = %q", log.Status)
	}
	if log.EntitlementStatus == nil || *log.EntitlementStatus != entitlements.StatusFailed {
		t.Fatalf("entitlement status = %v", log.EntitlementStatus)
	}
	if log.LastError == nil || *log.LastError == "" {
		t.Fatalf("last error = %v", log.LastError)
	}

	candidates, err := repo.ListRetryCandidates(context.Background(), db, domain.RetryScan{
		Since:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		MaxAttempts: 10,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].PaymentIntentID != "pi_1" {
		t.Fatalf("candidates = %+v", candidates)
	}
}

func TestCRMFailureRecordsSeparateErrorLog(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusFailed, Reason: "crm request /contacts/upsert failed: 502"}}
	svc, repo := newService(t, db, granter, crmSync, &fakeNotifier{})

	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process: %v", err)
	}

	log, err := repo.FindLog(context.Background(), db, "pi_1")
	if err != nil || log == nil {
		t.Fatalf("find log: %v %v", log, err)
	}
	if log.Status != domain.LogStatusError {
		t.Fatalf("status = %q", log.Status)
	}
	if log.EventType == nil || *log.EventType != "crm_sync_failed" {
		t.Fatalf("event type = %v", log.EventType)
	}
	// CRM failure must not make the row an entitlement retry candidate.
	if log.EntitlementStatus == nil || *log.EntitlementStatus != entitlements.StatusSucceeded {
		t.Fatalf("entitlement status = %v", log.EntitlementStatus)
	}
	candidates, err := repo.ListRetryCandidates(context.Background(), db, domain.RetryScan{
		Since:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		MaxAttempts: 10,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates = %+v", candidates)
	}
}

func TestRepeatedCRMFailuresEscalateToAlert(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusFailed, Reason: "crm request /contacts/upsert failed: 502"}}
	notifier := &fakeNotifier{}
	svc, _ := newService(t, db, granter, crmSync, notifier)

	// First delivery stays below the threshold.
	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(notifier.subjects) != 0 {
		t.Fatalf("alerted too early: %v", notifier.subjects)
	}

	// A redelivery pushes the log's attempts past the threshold.
	if err := svc.ProcessFulfilledOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("process again: %v", err)
	}
	if len(notifier.subjects) != 1 {
		t.Fatalf("alerts = %v", notifier.subjects)
	}
	fields := notifier.fields[0]
	if fields["payment_intent_id"] != "pi_1" {
		t.Fatalf("alert fields = %v", fields)
	}
	attempts, _ := fields["attempts"].(int)
	if attempts < 3 {
		t.Fatalf("attempts = %v", fields["attempts"])
	}
}

func TestProcessFailedPayment(t *testing.T) {
	db := setupTestDB(t)
	granter := &fakeGranter{result: entitlements.Result{Status: entitlements.StatusSucceeded}}
	crmSync := &fakeCRM{result: crm.Result{Status: crm.StatusSucceeded}}
	svc, _ := newService(t, db, granter, crmSync, &fakeNotifier{})
	seedSession(t, db, 103, "cs_9", domain.SessionStatusCompleted)

	err := svc.ProcessFailedPayment(context.Background(), &paymentdomain.FailureEvent{
		ProviderSessionID: "cs_9",
		Reason:            "charge.refunded",
	})
	if err != nil {
		t.Fatalf("process failure: %v", err)
	}

	var status string
	db.Raw(`SELECT status FROM checkout_sessions WHERE provider_session_id = 'cs_9'`).Scan(&status)
	if status != domain.SessionStatusFailed {
		t.Fatalf("status = %q", status)
	}

	// Unknown session is acknowledged without error.
	if err := svc.ProcessFailedPayment(context.Background(), &paymentdomain.FailureEvent{
		ProviderSessionID: "cs_missing",
	}); err != nil {
		t.Fatalf("unknown session: %v", err)
	}
}
