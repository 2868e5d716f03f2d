package offers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Get("anything"); ok {
		t.Fatal("empty catalog should know no offers")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offers.json")
	doc := `[
		{"id": "demo-kit", "productName": "Demo Kit",
		 "licenseEntitlements": ["demo-kit-pro"], "licenseTier": "pro",
		 "metadata": {"purchaseUrl": "https://apps.serp.co/demo-kit"},
		 "ghl": {"tagIds": ["tag-1", "tag-2"]}},
		{"id": "", "productName": "ignored"}
	]`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	offer, ok := c.Get("demo-kit")
	if !ok {
		t.Fatal("demo-kit not found")
	}
	if offer.ProductName != "Demo Kit" {
		t.Fatalf("product name = %q", offer.ProductName)
	}
	if offer.GHL == nil || len(offer.GHL.TagIDs) != 2 {
		t.Fatalf("ghl settings not loaded: %#v", offer.GHL)
	}
	if _, ok := c.Get(""); ok {
		t.Fatal("blank offer id should have been skipped")
	}
}

func TestEntitlementsIncludeOfferID(t *testing.T) {
	c := NewFromOffers(&Offer{
		ID:                  "demo-kit",
		LicenseEntitlements: []string{" demo-kit-pro ", "demo-kit", ""},
	})

	got := c.Entitlements("demo-kit")
	want := []string{"demo-kit-pro", "demo-kit"}
	if len(got) != len(want) {
		t.Fatalf("entitlements = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entitlements = %v, want %v", got, want)
		}
	}
}

func TestEntitlementsUnknownOffer(t *testing.T) {
	c := NewFromOffers()
	got := c.Entitlements("mystery")
	if len(got) != 1 || got[0] != "mystery" {
		t.Fatalf("entitlements = %v", got)
	}
}

func TestTierFallsBackToOfferID(t *testing.T) {
	c := NewFromOffers(&Offer{ID: "demo-kit", LicenseTier: "pro"})
	if got := c.Tier("demo-kit"); got != "pro" {
		t.Fatalf("tier = %q", got)
	}
	if got := c.Tier("other"); got != "other" {
		t.Fatalf("fallback tier = %q", got)
	}
}
