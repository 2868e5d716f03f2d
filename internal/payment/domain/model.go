package domain

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
	ProviderGHL    = "ghl"
)

const (
	ModeLive = "live"
	ModeTest = "test"
)

// OrderURLs are the customer-facing links attached to an order. The
// normalizer rewrites legacy storefront domains before they get here.
type OrderURLs struct {
	ProductPage string
	Purchase    string
	Success     string
	Cancel      string
}

// NormalizedOrder is the canonical order every provider adapter
// produces. It is ephemeral: the fulfillment pipeline consumes it and
// persists ledger rows, never this struct.
type NormalizedOrder struct {
	Provider             string
	ProviderMode         string
	ProviderAccountAlias string
	ProviderSessionID    string
	ProviderPaymentID    string
	ProviderChargeID     string
	OfferID              string
	ProductSlug          string
	ProductName          string
	LanderID             string
	CustomerEmail        string
	CustomerName         string
	AmountTotal          *int64
	Currency             string
	PaymentStatus        string
	PaymentMethod        string
	Metadata             map[string]string
	ResolvedTagIDs       []string
	URLs                 OrderURLs
}

// FailureEvent is a provider signal that only moves a checkout session
// to failed (payment declined, charge refunded). No order is written.
type FailureEvent struct {
	ProviderSessionID string
	PaymentIntentID   string
	Reason            string
}

// ParsedEvent is the outcome of adapter parsing: exactly one of Order
// or Failure is set.
type ParsedEvent struct {
	EventID   string
	EventType string
	Order     *NormalizedOrder
	Failure   *FailureEvent
}
