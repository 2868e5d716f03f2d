package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/serpco/storefront/internal/metadata"
	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/payment/adapters"
	paymentdomain "github.com/serpco/storefront/internal/payment/domain"
)

type Factory struct {
	catalog *offers.Catalog
}

func NewFactory(catalog *offers.Catalog) *Factory {
	return &Factory{catalog: catalog}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secrets := make([]paymentdomain.StripeSecret, 0, len(cfg.Stripe.Secrets))
	for _, entry := range cfg.Stripe.Secrets {
		if strings.TrimSpace(entry.Secret) == "" {
			continue
		}
		secrets = append(secrets, entry)
	}
	if len(secrets) == 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{
		catalog: f.catalog,
		secrets: secrets,
	}, nil
}

type Adapter struct {
	catalog *offers.Catalog
	secrets []paymentdomain.StripeSecret

	// matched is set by Verify; the matching secret decides which mode
	// and account the parsed order is attributed to.
	matched *paymentdomain.StripeSecret
}

// Verify checks the Stripe-Signature header (t=...,v1=...) against every
// configured secret in order. Multiple secrets cover live/test modes and
// aliased accounts posting to the same endpoint.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	for i := range a.secrets {
		mac := hmac.New(sha256.New, []byte(a.secrets[i].Secret))
		_, _ = mac.Write([]byte(signedPayload))
		expected := hex.EncodeToString(mac.Sum(nil))

		for _, signature := range signatures {
			if hmac.Equal([]byte(signature), []byte(expected)) {
				a.matched = &a.secrets[i]
				return nil
			}
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.ParsedEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, eventType)
	case "charge.refunded":
		return a.parseChargeRefunded(event, eventType)
	case "payment_intent.payment_failed":
		return a.parsePaymentFailed(event, eventType)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       *int64            `json:"amount_total"`
	Currency          string            `json:"currency"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *customerDetails  `json:"customer_details"`
	Metadata          map[string]string `json:"metadata"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentMethods    []string          `json:"payment_method_types"`
	Livemode          bool              `json:"livemode"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type stripeCharge struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
}

type stripePaymentIntent struct {
	ID string `json:"id"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, eventType string) (*paymentdomain.ParsedEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	slug := metadata.Read(session.Metadata, "product_slug")
	if slug == "" {
		slug = strings.TrimSpace(session.ClientReferenceID)
	}
	if slug == "" {
		return nil, paymentdomain.ErrMissingProductSlug
	}

	email := strings.TrimSpace(session.CustomerEmail)
	name := ""
	if session.CustomerDetails != nil {
		if email == "" {
			email = strings.TrimSpace(session.CustomerDetails.Email)
		}
		name = strings.TrimSpace(session.CustomerDetails.Name)
	}

	landerID := metadata.Read(session.Metadata, "lander_id")
	if landerID == "" {
		landerID = slug
	}

	paymentMethod := "card"
	if len(session.PaymentMethods) > 0 && strings.TrimSpace(session.PaymentMethods[0]) != "" {
		paymentMethod = strings.TrimSpace(session.PaymentMethods[0])
	}

	meta := map[string]string{}
	for k, v := range session.Metadata {
		if strings.TrimSpace(v) == "" {
			continue
		}
		meta[k] = v
	}
	meta["stripe_event_id"] = event.ID
	meta["stripe_event_type"] = eventType

	order := &paymentdomain.NormalizedOrder{
		Provider:          paymentdomain.ProviderStripe,
		ProviderMode:      a.mode(session.Livemode),
		ProviderSessionID: session.ID,
		ProviderPaymentID: strings.TrimSpace(session.PaymentIntent),
		OfferID:           slug,
		ProductSlug:       slug,
		LanderID:          landerID,
		CustomerEmail:     email,
		CustomerName:      name,
		AmountTotal:       session.AmountTotal,
		Currency:          paymentdomain.NormalizeCurrency(session.Currency),
		PaymentStatus:     strings.TrimSpace(session.PaymentStatus),
		PaymentMethod:     paymentMethod,
		Metadata:          meta,
	}
	if a.matched != nil {
		order.ProviderAccountAlias = a.matched.AccountAlias
	}
	adapters.ApplyOffer(order, a.catalog)

	return &paymentdomain.ParsedEvent{
		EventID:   event.ID,
		EventType: eventType,
		Order:     order,
	}, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent, eventType string) (*paymentdomain.ParsedEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	intent := strings.TrimSpace(charge.PaymentIntent)
	if intent == "" && strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &paymentdomain.ParsedEvent{
		EventID:   event.ID,
		EventType: eventType,
		Failure: &paymentdomain.FailureEvent{
			PaymentIntentID: intent,
			Reason:          eventType,
		},
	}, nil
}

func (a *Adapter) parsePaymentFailed(event stripeEvent, eventType string) (*paymentdomain.ParsedEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &paymentdomain.ParsedEvent{
		EventID:   event.ID,
		EventType: eventType,
		Failure: &paymentdomain.FailureEvent{
			PaymentIntentID: intent.ID,
			Reason:          eventType,
		},
	}, nil
}

// mode prefers the matched secret's declared mode and falls back to
// the event's livemode flag.
func (a *Adapter) mode(livemode bool) string {
	if a.matched != nil && a.matched.Mode != "" {
		return a.matched.Mode
	}
	if livemode {
		return paymentdomain.ModeLive
	}
	return paymentdomain.ModeTest
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
