package ghl

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/payment/adapters"
	paymentdomain "github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	secretHeader = "X-Webhook-Secret"
	eventType    = "ghl.payment.received"
)

// identifierPrefix namespaces CRM transaction ids so they cannot
// collide with card or wallet payment ids in the shared ledger tables.
const identifierPrefix = "ghl_"

type Factory struct {
	catalog *offers.Catalog
	log     *zap.Logger
}

func NewFactory(catalog *offers.Catalog, log *zap.Logger) *Factory {
	return &Factory{catalog: catalog, log: log.Named("payment.ghl")}
}

func (f *Factory) Provider() string {
	return "ghl"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	return &Adapter{
		catalog: f.catalog,
		log:     f.log,
		secret:  strings.TrimSpace(cfg.GHL.WebhookSecret),
	}, nil
}

type Adapter struct {
	catalog *offers.Catalog
	log     *zap.Logger
	secret  string
}

// Verify compares the static shared secret header. When no secret is
// configured the event is accepted with a warning; the CRM offers no
// stronger scheme to fall back to.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.secret == "" {
		a.log.Warn("webhook secret not configured, accepting event")
		return nil
	}
	provided := strings.TrimSpace(headers.Get(secretHeader))
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.secret)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

var successStatuses = map[string]struct{}{
	"success":   {},
	"succeeded": {},
	"paid":      {},
	"complete":  {},
	"completed": {},
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.ParsedEvent, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	p := parsePayload(body)

	identifier := firstOf(p.transactionID, p.paymentID, p.contactID)
	if identifier == "" {
		a.log.Warn("payment event without identifier", zap.Any("custom_keys", mapKeys(p.custom)))
		return nil, paymentdomain.ErrMissingIdentifier
	}
	intentID := identifierPrefix + identifier

	status := strings.ToLower(strings.TrimSpace(p.paymentStatus))
	if _, ok := successStatuses[status]; status != "" && !ok {
		return &paymentdomain.ParsedEvent{
			EventID:   intentID,
			EventType: eventType,
			Failure: &paymentdomain.FailureEvent{
				ProviderSessionID: intentID,
				PaymentIntentID:   intentID,
				Reason:            fmt.Sprintf("%s status=%s", eventType, status),
			},
		}, nil
	}

	meta := map[string]string{
		"ghl_event_type": eventType,
	}
	putMeta := func(key, value string) {
		if value != "" {
			meta[key] = value
		}
	}
	putMeta("ghl_transaction_id", p.transactionID)
	putMeta("ghl_payment_id", p.paymentID)
	putMeta("ghl_contact_id", p.contactID)
	putMeta("ghl_coupon_code", p.couponCode)
	putMeta("ghl_payment_source", p.paymentSource)
	putMeta("ghl_created_on", p.createdAt)

	paymentMethod := p.paymentSource
	if paymentMethod == "" {
		paymentMethod = "ghl_payment_link"
	}

	order := &paymentdomain.NormalizedOrder{
		Provider:          paymentdomain.ProviderGHL,
		ProviderMode:      paymentdomain.ModeLive,
		ProviderSessionID: intentID,
		ProviderPaymentID: intentID,
		OfferID:           p.offerID,
		ProductSlug:       p.offerID,
		LanderID:          p.offerID,
		CustomerEmail:     p.customerEmail,
		CustomerName:      p.customerName,
		AmountTotal:       paymentdomain.ParseMoney(p.totalAmount),
		Currency:          paymentdomain.NormalizeCurrency(p.currency),
		PaymentStatus:     p.paymentStatus,
		PaymentMethod:     paymentMethod,
		Metadata:          meta,
	}
	adapters.ApplyOffer(order, a.catalog)

	return &paymentdomain.ParsedEvent{
		EventID:   intentID,
		EventType: eventType,
		Order:     order,
	}, nil
}

type parsed struct {
	custom, payment, root, contact map[string]any

	transactionID string
	paymentID     string
	contactID     string
	paymentStatus string
	totalAmount   string
	currency      string
	customerEmail string
	customerName  string
	paymentSource string
	couponCode    string
	createdAt     string
	offerID       string
}

// parsePayload coalesces the first non-empty value across the payload's
// key groups. CRM workflows disagree on where they put each field, so
// every field carries an ordered candidate list instead of one path.
func parsePayload(body map[string]any) parsed {
	p := parsed{root: body}
	p.custom = firstRecord(body, "customData", "custom_data", "custom_payload", "CustomData", "customPayload")
	p.contact = firstRecord(body, "contact", "customer", "Contact", "Customer")
	p.payment = asRecord(body["payment"])

	custom := func(keys ...string) []any { return pick(p.custom, keys...) }
	payment := func(keys ...string) []any { return pick(p.payment, keys...) }
	root := func(keys ...string) []any { return pick(p.root, keys...) }
	contact := func(keys ...string) []any { return pick(p.contact, keys...) }

	p.contactID = coalesce(concat(
		custom("contact_id", "customer_id"),
		root("contact_id", "contactId"),
		contact("id"),
	)...)
	p.transactionID = coalesce(concat(
		custom("transaction_id", "transactionId"),
		root("transaction_id", "transactionId"),
		payment("transaction_id", "transactionId"),
		custom("payment_id"),
		payment("id"),
	)...)
	p.paymentID = coalesce(concat(
		custom("payment_id"),
		payment("id"),
		root("payment_id"),
	)...)
	p.paymentStatus = coalesce(concat(
		custom("payment_status", "status"),
		payment("payment_status", "status"),
		root("status"),
	)...)
	p.totalAmount = coalesce(concat(
		custom("total_amount", "amount"),
		payment("total_amount", "amount"),
		root("total_amount"),
	)...)
	p.currency = coalesce(concat(
		custom("currency_code", "currency"),
		payment("currency_code", "currency"),
		root("currency_code", "currency"),
	)...)
	p.customerEmail = coalesce(concat(
		custom("customer_email", "email"),
		contact("email"),
		root("customer_email", "contact_email"),
	)...)
	p.customerName = coalesce(concat(
		custom("customer_name", "name"),
		contact("name"),
	)...)
	if p.customerName == "" {
		first := coalesce(pick(p.contact, "firstName", "first_name")...)
		last := coalesce(pick(p.contact, "lastName", "last_name")...)
		p.customerName = strings.TrimSpace(first + " " + last)
	}
	p.paymentSource = coalesce(concat(
		custom("payment_source", "source"),
		payment("source"),
		root("payment_source", "source"),
	)...)
	p.couponCode = coalesce(concat(
		custom("coupon_code"),
		payment("coupon_code"),
		root("coupon_code"),
	)...)
	p.offerID = coalesce(concat(
		custom("offer_id", "offerId", "product_id", "productId", "product_slug", "productSlug"),
		root("offer_id", "offerId", "product_id", "productId"),
	)...)
	p.createdAt = coalesce(concat(
		custom("created_on"),
		payment("created_on"),
		root("created_on", "createdAt"),
	)...)
	return p
}

func asRecord(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func firstRecord(body map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if m, ok := body[key].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func pick(m map[string]any, keys ...string) []any {
	out := make([]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, m[key])
	}
	return out
}

func concat(groups ...[]any) []any {
	var out []any
	for _, group := range groups {
		out = append(out, group...)
	}
	return out
}

// coalesce returns the first value that is a non-blank string or a
// finite number.
func coalesce(values ...any) string {
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				if v == math.Trunc(v) {
					return fmt.Sprintf("%d", int64(v))
				}
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
