package paypal

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/payment/adapters"
	paymentdomain "github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/zap"
)

// API is the slice of the wallet provider's REST surface the adapter
// needs: webhook signature verification and order detail lookups for
// payloads that arrive without a product slug.
type API interface {
	VerifySignature(ctx context.Context, webhookID string, headers http.Header, event []byte) (bool, error)
	GetOrder(ctx context.Context, orderID string) (*Resource, error)
}

type Factory struct {
	catalog *offers.Catalog
	api     API
	log     *zap.Logger
}

func NewFactory(catalog *offers.Catalog, api API, log *zap.Logger) *Factory {
	return &Factory{catalog: catalog, api: api, log: log.Named("payment.paypal")}
}

func (f *Factory) Provider() string {
	return "paypal"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	mode := paymentdomain.ModeLive
	if strings.Contains(cfg.PayPal.APIBase, "sandbox") {
		mode = paymentdomain.ModeTest
	}
	return &Adapter{
		catalog:      f.catalog,
		api:          f.api,
		log:          f.log,
		webhookID:    strings.TrimSpace(cfg.PayPal.WebhookID),
		accountAlias: cfg.PayPal.AccountAlias,
		mode:         mode,
		production:   cfg.IsProduction(),
	}, nil
}

type Adapter struct {
	catalog      *offers.Catalog
	api          API
	log          *zap.Logger
	webhookID    string
	accountAlias string
	mode         string
	production   bool
}

// Verify calls the provider's signature verification endpoint. Outside
// production a missing webhook id or a verification outage degrades to
// a logged warning so sandbox traffic keeps flowing.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookID == "" || a.api == nil {
		if a.production {
			return paymentdomain.ErrInvalidSignature
		}
		a.log.Warn("webhook verification not configured, accepting event")
		return nil
	}

	ok, err := a.api.VerifySignature(ctx, a.webhookID, headers, payload)
	if err != nil {
		if a.production {
			return paymentdomain.ErrInvalidSignature
		}
		a.log.Warn("webhook verification call failed, accepting event", zap.Error(err))
		return nil
	}
	if !ok {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type Amount struct {
	Value        any    `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type PurchaseUnit struct {
	ReferenceID string  `json:"reference_id"`
	CustomID    string  `json:"custom_id"`
	Amount      *Amount `json:"amount"`
}

type payerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

type Payer struct {
	EmailAddress string `json:"email_address"`
	PayerInfo    *struct {
		Email string `json:"email"`
	} `json:"payer_info"`
	Name *payerName `json:"name"`
}

type Resource struct {
	ID                        string         `json:"id"`
	Status                    string         `json:"status"`
	Amount                    *Amount        `json:"amount"`
	PurchaseUnits             []PurchaseUnit `json:"purchase_units"`
	PurchaseUnit              *PurchaseUnit  `json:"purchase_unit"`
	Payer                     *Payer         `json:"payer"`
	SellerReceivableBreakdown *struct {
		GrossAmount *Amount `json:"gross_amount"`
	} `json:"seller_receivable_breakdown"`
	SupplementaryData *struct {
		RelatedIDs *struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type webhookEvent struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Resource  *Resource `json:"resource"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.ParsedEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(event.EventType)
	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		return a.parseCompleted(ctx, event, eventType)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.REFUNDED":
		return a.parseFailure(event, eventType)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseCompleted(ctx context.Context, event webhookEvent, eventType string) (*paymentdomain.ParsedEvent, error) {
	resource := event.Resource
	orderID := resolveOrderID(resource)
	slug := resolveSlug(resource)

	// When the capture payload carries no slug, the order details call
	// usually still has the purchase unit custom_id.
	if slug == "" && orderID != "" && a.api != nil {
		details, err := a.api.GetOrder(ctx, orderID)
		if err != nil {
			a.log.Error("order details lookup failed",
				zap.String("order_id", orderID), zap.Error(err))
		} else if details != nil {
			slug = resolveSlug(details)
			if resolveAmount(resource) == nil {
				resource = mergeAmounts(resource, details)
			}
		}
	}
	if slug == "" {
		return nil, paymentdomain.ErrMissingProductSlug
	}

	captureID := ""
	if resource != nil {
		captureID = strings.TrimSpace(resource.ID)
	}
	sessionID := orderID
	if sessionID == "" {
		sessionID = event.ID
	}

	meta := map[string]string{
		"paypal_event_id":   event.ID,
		"paypal_event_type": eventType,
	}
	if orderID != "" {
		meta["paypal_order_id"] = orderID
	}
	if captureID != "" {
		meta["paypal_capture_id"] = captureID
	}

	order := &paymentdomain.NormalizedOrder{
		Provider:             paymentdomain.ProviderPayPal,
		ProviderMode:         a.mode,
		ProviderAccountAlias: a.accountAlias,
		ProviderSessionID:    sessionID,
		ProviderPaymentID:    captureID,
		OfferID:              slug,
		ProductSlug:          slug,
		LanderID:             slug,
		CustomerEmail:        resolveEmail(resource),
		CustomerName:         resolveName(resource),
		AmountTotal:          resolveAmount(resource),
		Currency:             resolveCurrency(resource),
		PaymentStatus:        resolveStatus(resource),
		PaymentMethod:        "paypal",
		Metadata:             meta,
	}
	adapters.ApplyOffer(order, a.catalog)

	return &paymentdomain.ParsedEvent{
		EventID:   event.ID,
		EventType: eventType,
		Order:     order,
	}, nil
}

func (a *Adapter) parseFailure(event webhookEvent, eventType string) (*paymentdomain.ParsedEvent, error) {
	resource := event.Resource
	orderID := resolveOrderID(resource)
	captureID := ""
	if resource != nil {
		captureID = strings.TrimSpace(resource.ID)
	}
	if orderID == "" && captureID == "" {
		return nil, paymentdomain.ErrMissingIdentifier
	}

	return &paymentdomain.ParsedEvent{
		EventID:   event.ID,
		EventType: eventType,
		Failure: &paymentdomain.FailureEvent{
			ProviderSessionID: orderID,
			PaymentIntentID:   captureID,
			Reason:            eventType,
		},
	}, nil
}

func firstPurchaseUnit(resource *Resource) *PurchaseUnit {
	if resource == nil {
		return nil
	}
	if len(resource.PurchaseUnits) > 0 {
		return &resource.PurchaseUnits[0]
	}
	return resource.PurchaseUnit
}

// resolveOrderID walks the identifier fallback chain: the related order
// id, then the purchase unit reference, then the resource's own id.
func resolveOrderID(resource *Resource) string {
	if resource == nil {
		return ""
	}
	if resource.SupplementaryData != nil && resource.SupplementaryData.RelatedIDs != nil {
		if id := strings.TrimSpace(resource.SupplementaryData.RelatedIDs.OrderID); id != "" {
			return id
		}
	}
	if unit := firstPurchaseUnit(resource); unit != nil {
		if id := strings.TrimSpace(unit.ReferenceID); id != "" {
			return id
		}
	}
	return strings.TrimSpace(resource.ID)
}

func resolveSlug(resource *Resource) string {
	unit := firstPurchaseUnit(resource)
	if unit == nil {
		return ""
	}
	if slug := strings.TrimSpace(unit.CustomID); slug != "" {
		return slug
	}
	return strings.TrimSpace(unit.ReferenceID)
}

func resolveAmount(resource *Resource) *int64 {
	if resource == nil {
		return nil
	}
	if unit := firstPurchaseUnit(resource); unit != nil && unit.Amount != nil {
		if v := parseAmountValue(unit.Amount.Value); v != nil {
			return v
		}
	}
	if resource.Amount != nil {
		if v := parseAmountValue(resource.Amount.Value); v != nil {
			return v
		}
	}
	if resource.SellerReceivableBreakdown != nil && resource.SellerReceivableBreakdown.GrossAmount != nil {
		return parseAmountValue(resource.SellerReceivableBreakdown.GrossAmount.Value)
	}
	return nil
}

func parseAmountValue(value any) *int64 {
	switch v := value.(type) {
	case string:
		return paymentdomain.ParseAmount(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		out := int64(math.Round(v * 100))
		return &out
	default:
		return nil
	}
}

func resolveCurrency(resource *Resource) string {
	if resource == nil {
		return ""
	}
	if unit := firstPurchaseUnit(resource); unit != nil && unit.Amount != nil {
		if c := paymentdomain.NormalizeCurrency(unit.Amount.CurrencyCode); c != "" {
			return c
		}
	}
	if resource.Amount != nil {
		return paymentdomain.NormalizeCurrency(resource.Amount.CurrencyCode)
	}
	return ""
}

func resolveEmail(resource *Resource) string {
	if resource == nil || resource.Payer == nil {
		return ""
	}
	if email := strings.TrimSpace(resource.Payer.EmailAddress); email != "" {
		return email
	}
	if resource.Payer.PayerInfo != nil {
		return strings.TrimSpace(resource.Payer.PayerInfo.Email)
	}
	return ""
}

func resolveName(resource *Resource) string {
	if resource == nil || resource.Payer == nil || resource.Payer.Name == nil {
		return ""
	}
	given := strings.TrimSpace(resource.Payer.Name.GivenName)
	surname := strings.TrimSpace(resource.Payer.Name.Surname)
	switch {
	case given != "" && surname != "":
		return given + " " + surname
	case given != "":
		return given
	default:
		return surname
	}
}

func resolveStatus(resource *Resource) string {
	if resource == nil {
		return ""
	}
	return strings.TrimSpace(resource.Status)
}

// mergeAmounts keeps the webhook resource authoritative but borrows the
// amount fields from the order details when the webhook had none.
func mergeAmounts(resource, details *Resource) *Resource {
	if resource == nil {
		return details
	}
	if details == nil {
		return resource
	}
	merged := *resource
	if resolveAmount(resource) == nil {
		merged.Amount = details.Amount
		if len(details.PurchaseUnits) > 0 && len(merged.PurchaseUnits) == 0 && merged.PurchaseUnit == nil {
			merged.PurchaseUnits = details.PurchaseUnits
		}
	}
	return &merged
}
