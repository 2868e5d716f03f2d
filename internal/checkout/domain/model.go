package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Checkout session lifecycle. Transitions are monotonic: a session can
// leave pending for completed or failed, a completed session can still
// fail (refund), and nothing ever returns to pending.
const (
	SessionStatusPending   = "pending"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

const (
	LogStatusPending = "pending"
	LogStatusSuccess = "success"
	LogStatusError   = "error"
)

type Session struct {
	ID                      snowflake.ID   `json:"id" gorm:"primaryKey"`
	ProviderSessionID       string         `json:"provider_session_id" gorm:"type:text;not null"`
	ProviderPaymentIntentID *string        `json:"provider_payment_intent_id"`
	OfferID                 *string        `json:"offer_id"`
	LanderID                *string        `json:"lander_id"`
	CustomerEmail           *string        `json:"customer_email"`
	Metadata                datatypes.JSON `json:"metadata"`
	Status                  string         `json:"status" gorm:"type:text;not null"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

func (Session) TableName() string { return "checkout_sessions" }

type Order struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	CheckoutSessionID *snowflake.ID  `json:"checkout_session_id"`
	ProviderSessionID string         `json:"provider_session_id" gorm:"type:text;not null"`
	PaymentIntentID   *string        `json:"payment_intent_id"`
	ChargeID          *string        `json:"charge_id"`
	AmountTotal       *int64         `json:"amount_total"`
	Currency          *string        `json:"currency"`
	OfferID           *string        `json:"offer_id"`
	LanderID          *string        `json:"lander_id"`
	CustomerEmail     *string        `json:"customer_email"`
	CustomerName      *string        `json:"customer_name"`
	Metadata          datatypes.JSON `json:"metadata"`
	PaymentStatus     *string        `json:"payment_status"`
	PaymentMethod     *string        `json:"payment_method"`
	Source            string         `json:"source" gorm:"type:text;not null"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type WebhookLog struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	PaymentIntentID   string         `json:"payment_intent_id" gorm:"type:text;not null"`
	ProviderSessionID *string        `json:"provider_session_id"`
	EventType         *string        `json:"event_type"`
	OfferID           *string        `json:"offer_id"`
	LanderID          *string        `json:"lander_id"`
	Status            string         `json:"status" gorm:"type:text;not null"`
	Message           *string        `json:"message"`
	LastError         *string        `json:"last_error"`
	Attempts          int            `json:"attempts"`
	EntitlementStatus *string        `json:"entitlement_status"`
	Metadata          datatypes.JSON `json:"metadata"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at"`
	LastSuccessAt     *time.Time     `json:"last_success_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (WebhookLog) TableName() string { return "webhook_logs" }

// LogEntry is one pipeline outcome to record against a payment intent.
// Empty strings are treated as absent and never clobber stored values.
type LogEntry struct {
	ID                snowflake.ID
	PaymentIntentID   string
	ProviderSessionID string
	EventType         string
	OfferID           string
	LanderID          string
	Status            string
	Message           string
	LastError         string
	EntitlementStatus string
	Metadata          map[string]any
}

// RetryCandidate is a webhook log row eligible for an entitlement grant
// retry, joined with whatever session the store still has for it.
type RetryCandidate struct {
	LogID             snowflake.ID
	PaymentIntentID   string
	ProviderSessionID *string
	OfferID           *string
	LanderID          *string
	Attempts          int
	Metadata          datatypes.JSON
	CustomerEmail     *string
}

type RetryScan struct {
	Since       time.Time
	MaxAttempts int
	Limit       int
}

type Repository interface {
	FindSession(ctx context.Context, db *gorm.DB, providerSessionID, paymentIntentID string) (*Session, error)
	CompleteSession(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, customerEmail string, now time.Time) (bool, error)
	FailSession(ctx context.Context, db *gorm.DB, providerSessionID, paymentIntentID string, now time.Time) (bool, error)
	UpsertOrder(ctx context.Context, db *gorm.DB, order *Order, now time.Time) error
	FindOrder(ctx context.Context, db *gorm.DB, source, providerSessionID string) (*Order, error)
	UpsertLog(ctx context.Context, db *gorm.DB, entry *LogEntry, now time.Time) error
	FindLog(ctx context.Context, db *gorm.DB, paymentIntentID string) (*WebhookLog, error)
	ListRetryCandidates(ctx context.Context, db *gorm.DB, scan RetryScan) ([]RetryCandidate, error)
}
