// Package fulfillment turns a normalized provider order into ledger
// state: session completion, order upsert, webhook log, entitlement
// grant, and CRM sync.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/serpco/storefront/internal/alert"
	checkoutdomain "github.com/serpco/storefront/internal/checkout/domain"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/crm"
	"github.com/serpco/storefront/internal/entitlements"
	"github.com/serpco/storefront/internal/metadata"
	"github.com/serpco/storefront/internal/offers"
	paymentdomain "github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// entitlementsMetadataKey carries the resolved entitlement list in the
// webhook log so the backfill job can retry a grant without re-parsing
// the provider payload.
const entitlementsMetadataKey = "license_entitlements_resolved"

const crmSyncFailedEvent = "crm_sync_failed"

type Service interface {
	ProcessFulfilledOrder(ctx context.Context, order *paymentdomain.NormalizedOrder) error
	ProcessFailedPayment(ctx context.Context, failure *paymentdomain.FailureEvent) error
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Repo         checkoutdomain.Repository
	Catalog      *offers.Catalog
	Entitlements entitlements.Service
	CRM          crm.Service
	Notifier     alert.Notifier
	Clock        clock.Clock
	Node         *snowflake.Node
	Config       config.Config
	Log          *zap.Logger
}

type service struct {
	db             *gorm.DB
	repo           checkoutdomain.Repository
	catalog        *offers.Catalog
	entitlements   entitlements.Service
	crm            crm.Service
	notifier       alert.Notifier
	clock          clock.Clock
	node           *snowflake.Node
	alertThreshold int
	log            *zap.Logger
}

func NewService(p Params) Service {
	return &service{
		db:             p.DB,
		repo:           p.Repo,
		catalog:        p.Catalog,
		entitlements:   p.Entitlements,
		crm:            p.CRM,
		notifier:       p.Notifier,
		clock:          p.Clock,
		node:           p.Node,
		alertThreshold: p.Config.Alert.FailureThreshold,
		log:            p.Log.Named("fulfillment"),
	}
}

// ProcessFulfilledOrder runs the fulfillment pipeline. Only the order
// upsert is a hard failure; session lookup, entitlement grant, and CRM
// sync degrade to recorded outcomes.
func (s *service) ProcessFulfilledOrder(ctx context.Context, order *paymentdomain.NormalizedOrder) error {
	now := s.clock.Now()
	meta := s.stampMetadata(order)
	logKey := order.ProviderPaymentID
	if logKey == "" {
		logKey = order.ProviderSessionID
	}

	var sessionID *snowflake.ID
	session, err := s.repo.FindSession(ctx, s.db, order.ProviderSessionID, order.ProviderPaymentID)
	if err != nil {
		s.log.Warn("session lookup failed",
			zap.String("provider_session_id", order.ProviderSessionID), zap.Error(err))
	}
	if session != nil {
		sessionID = &session.ID
		completed, err := s.repo.CompleteSession(ctx, s.db, session.ID, order.ProviderPaymentID, order.CustomerEmail, now)
		if err != nil {
			s.log.Warn("session completion failed",
				zap.String("provider_session_id", order.ProviderSessionID), zap.Error(err))
		} else if !completed {
			s.log.Debug("session already settled",
				zap.String("provider_session_id", order.ProviderSessionID),
				zap.String("status", session.Status))
		}
	}

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}
	row := &checkoutdomain.Order{
		ID:                s.node.Generate(),
		CheckoutSessionID: sessionID,
		ProviderSessionID: order.ProviderSessionID,
		PaymentIntentID:   nullable(order.ProviderPaymentID),
		ChargeID:          nullable(order.ProviderChargeID),
		AmountTotal:       order.AmountTotal,
		Currency:          nullable(order.Currency),
		OfferID:           nullable(order.OfferID),
		LanderID:          nullable(order.LanderID),
		CustomerEmail:     nullable(order.CustomerEmail),
		CustomerName:      nullable(order.CustomerName),
		Metadata:          rawMeta,
		PaymentStatus:     nullable(order.PaymentStatus),
		PaymentMethod:     nullable(order.PaymentMethod),
		Source:            order.Provider,
	}
	if err := s.repo.UpsertOrder(ctx, s.db, row, now); err != nil {
		s.recordLog(ctx, &checkoutdomain.LogEntry{
			PaymentIntentID:   logKey,
			ProviderSessionID: order.ProviderSessionID,
			EventType:         eventTypeFrom(meta),
			OfferID:           order.OfferID,
			LanderID:          order.LanderID,
			Status:            checkoutdomain.LogStatusError,
			LastError:         err.Error(),
			Metadata:          logMetadata(meta, nil, nil),
		})
		return fmt.Errorf("upsert order: %w", err)
	}

	s.recordLog(ctx, &checkoutdomain.LogEntry{
		PaymentIntentID:   logKey,
		ProviderSessionID: order.ProviderSessionID,
		EventType:         eventTypeFrom(meta),
		OfferID:           order.OfferID,
		LanderID:          order.LanderID,
		Status:            checkoutdomain.LogStatusPending,
		Message:           "order persisted, fulfillment in progress",
	})

	ents := s.catalog.Entitlements(order.OfferID)
	tier := s.catalog.Tier(order.OfferID)
	grant := s.entitlements.Grant(ctx, entitlements.GrantRequest{
		Email:        order.CustomerEmail,
		Entitlements: ents,
		Tier:         tier,
		Source:       order.Provider,
		OrderRef:     order.ProviderSessionID,
	})

	logStatus := checkoutdomain.LogStatusSuccess
	lastError := ""
	message := "order fulfilled"
	if grant.Status == entitlements.StatusFailed {
		logStatus = checkoutdomain.LogStatusError
		lastError = "entitlement grant failed: " + grant.Reason
		message = ""
	}
	s.recordLog(ctx, &checkoutdomain.LogEntry{
		PaymentIntentID:   logKey,
		ProviderSessionID: order.ProviderSessionID,
		EventType:         eventTypeFrom(meta),
		OfferID:           order.OfferID,
		LanderID:          order.LanderID,
		Status:            logStatus,
		Message:           message,
		LastError:         lastError,
		EntitlementStatus: grant.Status,
		Metadata:          logMetadata(meta, ents, &grant),
	})

	s.syncCRM(ctx, order, meta, ents, tier, logKey)

	s.log.Info("order processed",
		zap.String("provider", order.Provider),
		zap.String("provider_session_id", order.ProviderSessionID),
		zap.String("offer_id", order.OfferID),
		zap.String("entitlement_status", grant.Status))
	return nil
}

// ProcessFailedPayment moves the matching session to failed. Declines
// and refunds never write orders.
func (s *service) ProcessFailedPayment(ctx context.Context, failure *paymentdomain.FailureEvent) error {
	changed, err := s.repo.FailSession(ctx, s.db, failure.ProviderSessionID, failure.PaymentIntentID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	if !changed {
		s.log.Debug("failure event matched no fallible session",
			zap.String("provider_session_id", failure.ProviderSessionID),
			zap.String("payment_intent_id", failure.PaymentIntentID),
			zap.String("reason", failure.Reason))
		return nil
	}
	s.log.Info("session failed",
		zap.String("provider_session_id", failure.ProviderSessionID),
		zap.String("reason", failure.Reason))
	return nil
}

func (s *service) syncCRM(ctx context.Context, order *paymentdomain.NormalizedOrder, meta map[string]string, ents []string, tier, logKey string) {
	var workflowIDs []string
	if offer, ok := s.catalog.Get(order.OfferID); ok && offer.GHL != nil {
		workflowIDs = offer.GHL.WorkflowIDs
	}

	res := s.crm.SyncOrder(ctx, crm.SyncRequest{
		Email:            order.CustomerEmail,
		Name:             order.CustomerName,
		TagIDs:           order.ResolvedTagIDs,
		WorkflowIDs:      workflowIDs,
		PurchaseMetadata: meta,
		LicensePayload: map[string]any{
			"offerId":      order.OfferID,
			"entitlements": ents,
			"tier":         tier,
		},
	})
	if res.Status != crm.StatusFailed {
		return
	}
	s.recordLog(ctx, &checkoutdomain.LogEntry{
		PaymentIntentID:   logKey,
		ProviderSessionID: order.ProviderSessionID,
		EventType:         crmSyncFailedEvent,
		Status:            checkoutdomain.LogStatusError,
		LastError:         res.Reason,
		Metadata:          map[string]any{"crmSync": res},
	})
	s.escalateCRMFailure(ctx, order, res.Reason, logKey)
}

// escalateCRMFailure pages ops once a delivery has failed CRM sync
// often enough that a retry is unlikely to recover on its own.
func (s *service) escalateCRMFailure(ctx context.Context, order *paymentdomain.NormalizedOrder, reason, logKey string) {
	if s.alertThreshold <= 0 {
		return
	}
	entry, err := s.repo.FindLog(ctx, s.db, logKey)
	if err != nil || entry == nil || entry.Attempts < s.alertThreshold {
		return
	}
	err = s.notifier.Notify(ctx, "crm sync failing repeatedly", map[string]any{
		"payment_intent_id":   logKey,
		"provider_session_id": order.ProviderSessionID,
		"offer_id":            order.OfferID,
		"attempts":            entry.Attempts,
		"reason":              reason,
	})
	if err != nil {
		s.log.Warn("crm failure alert failed",
			zap.String("payment_intent_id", logKey), zap.Error(err))
	}
}

func (s *service) recordLog(ctx context.Context, entry *checkoutdomain.LogEntry) {
	if entry.PaymentIntentID == "" {
		return
	}
	entry.ID = s.node.Generate()
	if err := s.repo.UpsertLog(ctx, s.db, entry, s.clock.Now()); err != nil {
		s.log.Error("webhook log write failed",
			zap.String("payment_intent_id", entry.PaymentIntentID), zap.Error(err))
	}
}

// stampMetadata mirrors key casing and adds the canonical provider and
// product fields every downstream consumer expects to find.
func (s *service) stampMetadata(order *paymentdomain.NormalizedOrder) map[string]string {
	meta := map[string]string{}
	for k, v := range order.Metadata {
		meta[k] = v
	}
	stamp := func(key, value string) {
		if value != "" {
			meta[key] = value
		}
	}
	stamp("provider", order.Provider)
	stamp("provider_mode", order.ProviderMode)
	stamp("provider_account_alias", order.ProviderAccountAlias)
	stamp("provider_session_id", order.ProviderSessionID)
	stamp("provider_payment_intent_id", order.ProviderPaymentID)
	stamp("offer_id", order.OfferID)
	stamp("product_slug", order.ProductSlug)
	stamp("product_name", order.ProductName)
	stamp("lander_id", order.LanderID)
	stamp("product_page_url", order.URLs.ProductPage)
	stamp("purchase_url", order.URLs.Purchase)
	return metadata.EnsureCaseVariants(meta)
}

func eventTypeFrom(meta map[string]string) string {
	return metadata.First(meta, "stripe_event_type", "paypal_event_type", "ghl_event_type")
}

func logMetadata(meta map[string]string, ents []string, grant *entitlements.Result) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	if len(ents) > 0 {
		out[entitlementsMetadataKey] = ents
	}
	if grant != nil {
		out["entitlementGrant"] = grant
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
