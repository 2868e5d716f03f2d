package adapters

import (
	"github.com/serpco/storefront/internal/metadata"
	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/payment/domain"
)

// ApplyOffer enriches a normalized order with catalog data: offer
// metadata underneath the provider's own keys, product name, CRM tag
// ids, and the customer-facing URLs with legacy domains rewritten.
func ApplyOffer(order *domain.NormalizedOrder, catalog *offers.Catalog) {
	offer, ok := catalog.Get(order.OfferID)

	merged := map[string]string{}
	if ok {
		for k, v := range offer.Metadata {
			merged[k] = v
		}
	}
	merged = metadata.EnsureCaseVariants(merged)
	for k, v := range order.Metadata {
		if v == "" {
			continue
		}
		merged[k] = v
	}
	order.Metadata = merged

	if ok {
		if order.ProductName == "" {
			order.ProductName = offer.ProductName
		}
		if offer.GHL != nil {
			order.ResolvedTagIDs = offer.GHL.TagIDs
		}
	}
	if order.ProductName == "" {
		order.ProductName = order.ProductSlug
	}

	order.URLs = domain.OrderURLs{
		ProductPage: domain.RewriteLegacyURL(metadata.First(merged,
			"product_page_url", "apps_serp_co_product_page_url", "store_serp_co_product_page_url")),
		Purchase: metadata.First(merged, "purchase_url", "serply_link"),
		Success:  metadata.Read(merged, "success_url"),
		Cancel:   metadata.Read(merged, "cancel_url"),
	}
}
