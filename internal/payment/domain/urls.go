package domain

import "strings"

const (
	legacyProductPrefix = "https://store.serp.co/product-details/product/"
	legacyPrefix        = "https://store.serp.co/"
	currentPrefix       = "https://apps.serp.co/"
)

// RewriteLegacyURL maps retired storefront links onto the current
// domain. Already-current URLs pass through, so applying the rewrite
// twice changes nothing.
func RewriteLegacyURL(raw string) string {
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, legacyProductPrefix) {
		return currentPrefix + strings.TrimPrefix(raw, legacyProductPrefix)
	}
	if strings.HasPrefix(raw, legacyPrefix) {
		return currentPrefix + strings.TrimPrefix(raw, legacyPrefix)
	}
	return raw
}
