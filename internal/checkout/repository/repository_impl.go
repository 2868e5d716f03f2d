package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serpco/storefront/internal/checkout/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindSession(ctx context.Context, db *gorm.DB, providerSessionID, paymentIntentID string) (*domain.Session, error) {
	if providerSessionID != "" {
		var item domain.Session
		err := db.WithContext(ctx).Raw(
			`SELECT id, provider_session_id, provider_payment_intent_id, offer_id, lander_id,
				customer_email, metadata, status, created_at, updated_at
			 FROM checkout_sessions
			 WHERE provider_session_id = ?
			 LIMIT 1`,
			providerSessionID,
		).Scan(&item).Error
		if err != nil {
			return nil, err
		}
		if item.ID != 0 {
			return &item, nil
		}
	}

	if paymentIntentID == "" {
		return nil, nil
	}

	var item domain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider_session_id, provider_payment_intent_id, offer_id, lander_id,
			customer_email, metadata, status, created_at, updated_at
		 FROM checkout_sessions
		 WHERE provider_payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// CompleteSession is the pending->completed transition. The status guard
// lives in the statement so a replayed or late event cannot regress a
// session that already settled.
func (r *repo) CompleteSession(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, customerEmail string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE checkout_sessions
		 SET status = ?,
			 provider_payment_intent_id = COALESCE(provider_payment_intent_id, ?),
			 customer_email = COALESCE(customer_email, ?),
			 updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.SessionStatusCompleted,
		nullif(paymentIntentID),
		nullif(customerEmail),
		now,
		id,
		domain.SessionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailSession moves a session to failed from either pending or
// completed (refund after fulfillment). A failed session stays failed.
func (r *repo) FailSession(ctx context.Context, db *gorm.DB, providerSessionID, paymentIntentID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE checkout_sessions
		 SET status = ?, updated_at = ?
		 WHERE (provider_session_id = ? OR (? <> '' AND provider_payment_intent_id = ?))
		   AND status IN (?, ?)`,
		domain.SessionStatusFailed,
		now,
		providerSessionID,
		paymentIntentID,
		paymentIntentID,
		domain.SessionStatusPending,
		domain.SessionStatusCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpsertOrder(ctx context.Context, db *gorm.DB, order *domain.Order, now time.Time) error {
	metadata := order.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO orders (
			id, checkout_session_id, provider_session_id, payment_intent_id, charge_id,
			amount_total, currency, offer_id, lander_id, customer_email, customer_name,
			metadata, payment_status, payment_method, source, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, provider_session_id) DO UPDATE SET
			checkout_session_id = COALESCE(excluded.checkout_session_id, orders.checkout_session_id),
			payment_intent_id = COALESCE(excluded.payment_intent_id, orders.payment_intent_id),
			charge_id = COALESCE(excluded.charge_id, orders.charge_id),
			amount_total = COALESCE(excluded.amount_total, orders.amount_total),
			currency = COALESCE(excluded.currency, orders.currency),
			offer_id = COALESCE(excluded.offer_id, orders.offer_id),
			lander_id = COALESCE(excluded.lander_id, orders.lander_id),
			customer_email = COALESCE(excluded.customer_email, orders.customer_email),
			customer_name = COALESCE(excluded.customer_name, orders.customer_name),
			metadata = %s,
			payment_status = COALESCE(excluded.payment_status, orders.payment_status),
			payment_method = COALESCE(excluded.payment_method, orders.payment_method),
			updated_at = excluded.updated_at`,
			jsonMergeExpr(db, "orders")),
		order.ID,
		order.CheckoutSessionID,
		order.ProviderSessionID,
		order.PaymentIntentID,
		order.ChargeID,
		order.AmountTotal,
		order.Currency,
		order.OfferID,
		order.LanderID,
		order.CustomerEmail,
		order.CustomerName,
		metadata,
		order.PaymentStatus,
		order.PaymentMethod,
		order.Source,
		now,
		now,
	).Error
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, source, providerSessionID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, checkout_session_id, provider_session_id, payment_intent_id, charge_id,
			amount_total, currency, offer_id, lander_id, customer_email, customer_name,
			metadata, payment_status, payment_method, source, created_at, updated_at
		 FROM orders
		 WHERE source = ? AND provider_session_id = ?
		 LIMIT 1`,
		source,
		providerSessionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpsertLog records a pipeline outcome keyed by payment intent. Repeat
// deliveries accumulate attempts (pending writes excluded), a success
// clears last_error, and metadata is merged rather than replaced.
func (r *repo) UpsertLog(ctx context.Context, db *gorm.DB, entry *domain.LogEntry, now time.Time) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal webhook log metadata: %w", err)
	}
	if entry.Metadata == nil {
		metadata = []byte(`{}`)
	}

	attempts := 1
	var lastAttemptAt, lastSuccessAt *time.Time
	switch entry.Status {
	case domain.LogStatusPending:
		attempts = 0
	case domain.LogStatusSuccess:
		lastAttemptAt = &now
		lastSuccessAt = &now
	default:
		lastAttemptAt = &now
	}

	lastError := nullif(entry.LastError)
	if entry.Status == domain.LogStatusSuccess {
		lastError = nil
	}

	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO webhook_logs (
			id, payment_intent_id, provider_session_id, event_type, offer_id, lander_id,
			status, message, last_error, attempts, entitlement_status, metadata,
			last_attempt_at, last_success_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_intent_id) DO UPDATE SET
			provider_session_id = COALESCE(excluded.provider_session_id, webhook_logs.provider_session_id),
			event_type = COALESCE(excluded.event_type, webhook_logs.event_type),
			offer_id = COALESCE(excluded.offer_id, webhook_logs.offer_id),
			lander_id = COALESCE(excluded.lander_id, webhook_logs.lander_id),
			status = excluded.status,
			message = COALESCE(excluded.message, webhook_logs.message),
			last_error = CASE WHEN excluded.status = 'success' THEN NULL
				ELSE COALESCE(excluded.last_error, webhook_logs.last_error) END,
			attempts = webhook_logs.attempts +
				CASE WHEN excluded.status = 'pending' THEN 0 ELSE 1 END,
			entitlement_status = COALESCE(excluded.entitlement_status, webhook_logs.entitlement_status),
			metadata = %s,
			last_attempt_at = CASE WHEN excluded.status = 'pending'
				THEN webhook_logs.last_attempt_at ELSE excluded.updated_at END,
			last_success_at = CASE WHEN excluded.status = 'success'
				THEN excluded.updated_at ELSE webhook_logs.last_success_at END,
			updated_at = excluded.updated_at`,
			jsonMergeExpr(db, "webhook_logs")),
		entry.ID,
		entry.PaymentIntentID,
		nullif(entry.ProviderSessionID),
		nullif(entry.EventType),
		nullif(entry.OfferID),
		nullif(entry.LanderID),
		entry.Status,
		nullif(entry.Message),
		lastError,
		attempts,
		nullif(entry.EntitlementStatus),
		metadata,
		lastAttemptAt,
		lastSuccessAt,
		now,
		now,
	).Error
}

func (r *repo) FindLog(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.WebhookLog, error) {
	var item domain.WebhookLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_intent_id, provider_session_id, event_type, offer_id, lander_id,
			status, message, last_error, attempts, entitlement_status, metadata,
			last_attempt_at, last_success_at, created_at, updated_at
		 FROM webhook_logs
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListRetryCandidates(ctx context.Context, db *gorm.DB, scan domain.RetryScan) ([]domain.RetryCandidate, error) {
	var rows []domain.RetryCandidate
	err := db.WithContext(ctx).Raw(
		`SELECT wl.id AS log_id, wl.payment_intent_id, wl.provider_session_id,
			wl.offer_id, wl.lander_id, wl.attempts, wl.metadata,
			cs.customer_email
		 FROM webhook_logs wl
		 LEFT JOIN checkout_sessions cs
			ON cs.provider_session_id = wl.provider_session_id
			OR cs.provider_payment_intent_id = wl.payment_intent_id
		 WHERE wl.status = ?
		   AND wl.entitlement_status = ?
		   AND wl.updated_at > ?
		   AND wl.attempts < ?
		 ORDER BY wl.updated_at DESC
		 LIMIT ?`,
		domain.LogStatusError,
		"failed",
		scan.Since,
		scan.MaxAttempts,
		scan.Limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func jsonMergeExpr(db *gorm.DB, table string) string {
	if db.Dialector.Name() == "sqlite" {
		return fmt.Sprintf("json_patch(%s.metadata, excluded.metadata)", table)
	}
	return fmt.Sprintf("%s.metadata || excluded.metadata", table)
}

func nullif(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
