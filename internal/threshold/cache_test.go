package threshold

import (
	"testing"

	"github.com/ioverseer/ioverseer/internal/model"
)

func TestFetchThreshold_PrecedenceScenario(t *testing.T) {
	// End-to-end scenario 2: System component threshold (100,50,200) plus a
	// package-specific entry for "com.x" of (10,10,10).
	c := New()
	c.Set([]model.OveruseConfiguration{
		{
			ComponentType:           model.ComponentSystem,
			ComponentLevelThreshold: model.PerStateBytes{Foreground: 100, Background: 50, GarageMode: 200},
			PackageSpecificThreshold: map[string]model.PerStateBytes{
				"com.x": {Foreground: 10, Background: 10, GarageMode: 10},
			},
		},
	})

	if got := c.FetchThreshold("com.x", model.ComponentSystem); got != (model.PerStateBytes{Foreground: 10, Background: 10, GarageMode: 10}) {
		t.Fatalf("com.x/System = %+v, want (10,10,10)", got)
	}
	if got := c.FetchThreshold("com.y", model.ComponentSystem); got != (model.PerStateBytes{Foreground: 100, Background: 50, GarageMode: 200}) {
		t.Fatalf("com.y/System = %+v, want (100,50,200)", got)
	}
	if got := c.FetchThreshold("com.x", model.ComponentThirdParty); got != model.DefaultThreshold {
		t.Fatalf("com.x/ThirdParty = %+v, want DEFAULT", got)
	}
}

func TestFetchThreshold_CategoryFallsBetweenPackageAndComponent(t *testing.T) {
	c := New()
	c.Set([]model.OveruseConfiguration{
		{
			ComponentType:             model.ComponentVendor,
			ComponentLevelThreshold:   model.PerStateBytes{Foreground: 1000, Background: 1000, GarageMode: 1000},
			VendorPackageCategories:   map[string]model.ApplicationCategory{"com.maps.app": model.CategoryMaps},
			CategorySpecificThreshold: map[model.ApplicationCategory]model.PerStateBytes{model.CategoryMaps: {Foreground: 50, Background: 50, GarageMode: 50}},
		},
	})

	if got := c.FetchThreshold("com.maps.app", model.ComponentVendor); got != (model.PerStateBytes{Foreground: 50, Background: 50, GarageMode: 50}) {
		t.Fatalf("category threshold not applied: %+v", got)
	}
	if got := c.FetchThreshold("com.other", model.ComponentVendor); got != (model.PerStateBytes{Foreground: 1000, Background: 1000, GarageMode: 1000}) {
		t.Fatalf("component-level fallback not applied: %+v", got)
	}
}

func TestCacheMutation_DoesNotAliasInternalState(t *testing.T) {
	c := New()
	c.Set([]model.OveruseConfiguration{
		{ComponentType: model.ComponentSystem, ComponentLevelThreshold: model.PerStateBytes{Foreground: 1, Background: 2, GarageMode: 3}},
	})

	got := c.FetchThreshold("anything", model.ComponentSystem)
	got.Foreground = 99999

	again := c.FetchThreshold("anything", model.ComponentSystem)
	if again.Foreground != 1 {
		t.Fatalf("mutating a returned PerStateBytes leaked into cache: %+v", again)
	}
}

func TestIsSafeToKill(t *testing.T) {
	c := New()
	c.Set([]model.OveruseConfiguration{
		{ComponentType: model.ComponentSystem, SafeToKillPackages: map[string]struct{}{"com.sys.safe": {}}},
		{ComponentType: model.ComponentVendor, SafeToKillPackages: map[string]struct{}{"com.vendor.safe": {}}},
	})

	if !c.IsSafeToKill("anything", model.ComponentThirdParty, nil) {
		t.Fatal("ThirdParty must always be safe to kill")
	}
	if !c.IsSafeToKill("com.sys.safe", model.ComponentSystem, nil) {
		t.Fatal("expected system safe-to-kill package to be safe")
	}
	if c.IsSafeToKill("com.sys.unsafe", model.ComponentSystem, nil) {
		t.Fatal("expected unsafe system package to not be safe")
	}
	// Vendor checks both vendor and system sets.
	if !c.IsSafeToKill("shared:100", model.ComponentVendor, []string{"com.sys.safe"}) {
		t.Fatal("expected vendor shared-uid lookup to find system safe-to-kill member")
	}
	if !c.IsSafeToKill("com.vendor.safe", model.ComponentVendor, nil) {
		t.Fatal("expected vendor safe-to-kill package to be safe")
	}
}

func TestSet_FullyReplacesPriorSnapshot(t *testing.T) {
	c := New()
	c.Set([]model.OveruseConfiguration{
		{ComponentType: model.ComponentSystem, ComponentLevelThreshold: model.PerStateBytes{Foreground: 1, Background: 1, GarageMode: 1}},
	})
	c.Set([]model.OveruseConfiguration{
		{ComponentType: model.ComponentSystem, ComponentLevelThreshold: model.PerStateBytes{Foreground: 2, Background: 2, GarageMode: 2}},
	})
	if got := c.FetchThreshold("x", model.ComponentSystem); got != (model.PerStateBytes{Foreground: 2, Background: 2, GarageMode: 2}) {
		t.Fatalf("expected second Set to fully replace first: %+v", got)
	}
}
