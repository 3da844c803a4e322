package billing

import (
	"testing"

	"tripbilling/internal/types"
)

func testPrices() PriceConfig {
	return PriceConfig{
		types.PlanAventurero:     {Monthly: "price_av_m", Yearly: "price_av_y"},
		types.PlanExpedicionario: {Monthly: "price_ex_m", Yearly: "price_ex_y"},
		types.PlanExplorador:     {Monthly: "price_free_ignored"},
	}
}

func TestCatalog_CanonicalOrder(t *testing.T) {
	c := NewStaticCatalog(testPrices())

	plans := c.List()
	want := []types.PlanCode{types.PlanExplorador, types.PlanAventurero, types.PlanExpedicionario}
	if len(plans) != len(want) {
		t.Fatalf("List() returned %d plans, want %d", len(plans), len(want))
	}
	for i, code := range want {
		if plans[i].Code != code {
			t.Errorf("plans[%d] = %s, want %s", i, plans[i].Code, code)
		}
		if c.Rank(code) != i {
			t.Errorf("Rank(%s) = %d, want %d", code, c.Rank(code), i)
		}
	}
	if c.Rank("NOMADA") != -1 {
		t.Error("plans outside the catalog must rank -1")
	}
}

func TestCatalog_SeedLimits(t *testing.T) {
	c := NewStaticCatalog(nil)

	assertLimits(t, "EXPLORADOR", c.Limits(types.PlanExplorador), types.PlanLimits{
		ActiveTrips: 1, PhotosPerTrip: 10, GroupParticipants: 0,
		ExportFormats: []string{"PDF"}, OfflineMode: false,
	})
	assertLimits(t, "AVENTURERO", c.Limits(types.PlanAventurero), types.PlanLimits{
		ActiveTrips: 5, PhotosPerTrip: 100, GroupParticipants: 5,
		ExportFormats: []string{"PDF", "JSON", "ZIP"}, OfflineMode: true,
	})
	assertLimits(t, "EXPEDICIONARIO", c.Limits(types.PlanExpedicionario), types.PlanLimits{
		ActiveTrips: -1, PhotosPerTrip: -1, GroupParticipants: -1,
		ExportFormats: []string{"PDF", "JSON", "ZIP", "KML", "GPX"}, OfflineMode: true,
	})
}

func TestCatalog_UnknownFallsBackToFree(t *testing.T) {
	c := NewStaticCatalog(nil)

	if _, ok := c.Get("NOMADA"); ok {
		t.Error("Get(NOMADA) should report not found")
	}
	assertLimits(t, "unknown", c.Limits("NOMADA"), c.Free().Limits)
}

func TestCatalog_GetIsCaseInsensitive(t *testing.T) {
	c := NewStaticCatalog(nil)
	p, ok := c.Get(" aventurero ")
	if !ok || p.Code != types.PlanAventurero {
		t.Errorf("Get(aventurero) = %v, %v", p.Code, ok)
	}
}

func TestCatalog_PriceMapping(t *testing.T) {
	c := NewStaticCatalog(testPrices())

	tests := map[string]types.PlanCode{
		"price_av_m": types.PlanAventurero,
		"price_av_y": types.PlanAventurero,
		"price_ex_y": types.PlanExpedicionario,
	}
	for ref, want := range tests {
		got, ok := c.PlanForPrice(ref)
		if !ok || got != want {
			t.Errorf("PlanForPrice(%s) = %s, %v; want %s", ref, got, ok, want)
		}
	}
	if _, ok := c.PlanForPrice("price_free_ignored"); ok {
		t.Error("free plan must not register price references")
	}

	p, _ := c.Get(types.PlanAventurero)
	if p.Prices.For(types.BillingCycleYearly) != "price_av_y" {
		t.Errorf("yearly price = %q", p.Prices.For(types.BillingCycleYearly))
	}
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c := NewStaticCatalog(nil)
	p, _ := c.Get(types.PlanAventurero)
	p.Limits.ExportFormats[0] = "MUTATED"

	again, _ := c.Get(types.PlanAventurero)
	if again.Limits.ExportFormats[0] != "PDF" {
		t.Error("catalog entries must not be mutable through returned values")
	}
}

func TestIsUpgrade(t *testing.T) {
	c := NewStaticCatalog(nil)
	if !IsUpgrade(c, types.PlanExplorador, types.PlanExpedicionario) {
		t.Error("EXPLORADOR -> EXPEDICIONARIO should be an upgrade")
	}
	if IsUpgrade(c, types.PlanExpedicionario, types.PlanAventurero) {
		t.Error("EXPEDICIONARIO -> AVENTURERO is a downgrade")
	}
	if IsUpgrade(c, types.PlanAventurero, "NOMADA") {
		t.Error("unknown plans are never upgrades")
	}
}

func assertLimits(t *testing.T, name string, got, want types.PlanLimits) {
	t.Helper()
	if got.ActiveTrips != want.ActiveTrips {
		t.Errorf("%s: ActiveTrips = %d, want %d", name, got.ActiveTrips, want.ActiveTrips)
	}
	if got.PhotosPerTrip != want.PhotosPerTrip {
		t.Errorf("%s: PhotosPerTrip = %d, want %d", name, got.PhotosPerTrip, want.PhotosPerTrip)
	}
	if got.GroupParticipants != want.GroupParticipants {
		t.Errorf("%s: GroupParticipants = %d, want %d", name, got.GroupParticipants, want.GroupParticipants)
	}
	if got.OfflineMode != want.OfflineMode {
		t.Errorf("%s: OfflineMode = %v, want %v", name, got.OfflineMode, want.OfflineMode)
	}
	if len(got.ExportFormats) != len(want.ExportFormats) {
		t.Fatalf("%s: ExportFormats = %v, want %v", name, got.ExportFormats, want.ExportFormats)
	}
	for i := range want.ExportFormats {
		if got.ExportFormats[i] != want.ExportFormats[i] {
			t.Errorf("%s: ExportFormats = %v, want %v", name, got.ExportFormats, want.ExportFormats)
		}
	}
}
