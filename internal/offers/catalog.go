// Package offers is the read-only boundary to the product catalog. The
// catalog itself is maintained elsewhere; this service only needs the
// slice of it that fulfillment and CRM sync consume.
package offers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// GHLSettings is the CRM portion of an offer definition.
type GHLSettings struct {
	PipelineID  string   `json:"pipelineId"`
	StageID     string   `json:"stageId"`
	Status      string   `json:"status"`
	Source      string   `json:"source"`
	TagIDs      []string `json:"tagIds"`
	WorkflowIDs []string `json:"workflowIds"`
}

// Offer is one purchasable product as the fulfillment pipeline sees it.
type Offer struct {
	ID                  string            `json:"id"`
	ProductName         string            `json:"productName"`
	Metadata            map[string]string `json:"metadata"`
	LicenseEntitlements []string          `json:"licenseEntitlements"`
	LicenseTier         string            `json:"licenseTier"`
	GHL                 *GHLSettings      `json:"ghl,omitempty"`
}

// Catalog is an immutable offer lookup loaded once at startup.
type Catalog struct {
	byID map[string]*Offer
}

// Load reads the catalog document. An empty path yields an empty
// catalog, which every consumer treats as "offer unknown".
func Load(path string) (*Catalog, error) {
	c := &Catalog{byID: map[string]*Offer{}}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offers catalog: %w", err)
	}

	var entries []*Offer
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse offers catalog: %w", err)
	}

	for _, offer := range entries {
		if offer == nil || strings.TrimSpace(offer.ID) == "" {
			continue
		}
		c.byID[offer.ID] = offer
	}
	return c, nil
}

// NewFromOffers builds a catalog from in-memory offers. Used by tests.
func NewFromOffers(entries ...*Offer) *Catalog {
	c := &Catalog{byID: map[string]*Offer{}}
	for _, offer := range entries {
		if offer == nil || offer.ID == "" {
			continue
		}
		c.byID[offer.ID] = offer
	}
	return c
}

func (c *Catalog) Get(offerID string) (*Offer, bool) {
	if c == nil {
		return nil, false
	}
	offer, ok := c.byID[strings.TrimSpace(offerID)]
	return offer, ok
}

// Entitlements resolves the license entitlements to grant for an offer:
// the configured entitlement list plus the offer id itself, trimmed and
// de-duplicated.
func (c *Catalog) Entitlements(offerID string) []string {
	seen := map[string]struct{}{}
	out := []string{}

	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	if offer, ok := c.Get(offerID); ok {
		for _, ent := range offer.LicenseEntitlements {
			add(ent)
		}
	}
	add(offerID)
	return out
}

// Tier resolves the license tier for an offer, falling back to the
// offer id when none is configured.
func (c *Catalog) Tier(offerID string) string {
	if offer, ok := c.Get(offerID); ok && strings.TrimSpace(offer.LicenseTier) != "" {
		return offer.LicenseTier
	}
	return strings.TrimSpace(offerID)
}
