package classifier

import "testing"

import "github.com/ioverseer/ioverseer/internal/model"

type fakeSource struct {
	uidToNames map[int32][]string
	flags      map[string]InstallFlags
}

func (f *fakeSource) PackageNamesForUID(userID int32, uid int32) ([]string, bool) {
	names, ok := f.uidToNames[uid]
	return names, ok
}

func (f *fakeSource) Flags(userID int32, packageName string) (InstallFlags, bool) {
	fl, ok := f.flags[packageName]
	return fl, ok
}

func TestResolve_VendorPrivateFlag(t *testing.T) {
	src := &fakeSource{
		uidToNames: map[int32][]string{1001: {"com.vendor.app"}},
		flags:      map[string]InstallFlags{"com.vendor.app": {PrivateVendor: true}},
	}
	c := New(src)
	name, ct, _, err := c.Resolve(0, 1001, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "com.vendor.app" || ct != model.ComponentVendor {
		t.Fatalf("got name=%q ct=%v", name, ct)
	}
}

func TestResolve_SystemFallsToVendorOnPrefixMatch(t *testing.T) {
	src := &fakeSource{
		uidToNames: map[int32][]string{2002: {"com.oem.productapp"}},
		flags:      map[string]InstallFlags{"com.oem.productapp": {PrivateProduct: true}},
	}
	c := New(src)
	_, ct, _, err := c.Resolve(0, 2002, []string{"com.oem."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct != model.ComponentVendor {
		t.Fatalf("expected vendor-prefix match to yield Vendor, got %v", ct)
	}

	// Without a matching prefix it should fall back to System.
	_, ct2, _, _ := src2Resolve(t, src, 2003, "com.other.productapp", InstallFlags{PrivateProduct: true}, []string{"com.oem."})
	if ct2 != model.ComponentSystem {
		t.Fatalf("expected System without prefix match, got %v", ct2)
	}
}

func src2Resolve(t *testing.T, src *fakeSource, uid int32, name string, flags InstallFlags, prefixes []string) (string, model.ComponentType, []string, error) {
	t.Helper()
	src.uidToNames[uid] = []string{name}
	src.flags[name] = flags
	c := New(src)
	return c.Resolve(0, uid, prefixes)
}

func TestResolve_ThirdPartyDefault(t *testing.T) {
	src := &fakeSource{
		uidToNames: map[int32][]string{3003: {"com.example.app"}},
		flags:      map[string]InstallFlags{"com.example.app": {}},
	}
	c := New(src)
	_, ct, _, _ := c.Resolve(0, 3003, nil)
	if ct != model.ComponentThirdParty {
		t.Fatalf("expected ThirdParty, got %v", ct)
	}
}

func TestResolve_UnknownOnMissingFlags(t *testing.T) {
	src := &fakeSource{
		uidToNames: map[int32][]string{4004: {"com.missing.app"}},
		flags:      map[string]InstallFlags{},
	}
	c := New(src)
	_, ct, _, _ := c.Resolve(0, 4004, nil)
	if ct != model.ComponentUnknown {
		t.Fatalf("expected Unknown, got %v", ct)
	}
}

func TestResolve_SharedUidCollapsesToMostRestrictive(t *testing.T) {
	src := &fakeSource{
		uidToNames: map[int32][]string{5005: {"com.a.third", "com.b.system"}},
		flags: map[string]InstallFlags{
			"com.a.third":  {},
			"com.b.system": {PublicSystem: true},
		},
	}
	c := New(src)
	name, ct, members, err := c.Resolve(0, 5005, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "shared:5005" {
		t.Fatalf("expected synthetic shared name, got %q", name)
	}
	if ct != model.ComponentSystem {
		t.Fatalf("expected shared uid to collapse to System, got %v", ct)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 member packages, got %d", len(members))
	}
}

func TestResolve_UnmappedUidErrors(t *testing.T) {
	c := New(&fakeSource{uidToNames: map[int32][]string{}, flags: map[string]InstallFlags{}})
	if _, _, _, err := c.Resolve(0, 9999, nil); err == nil {
		t.Fatal("expected error for unmapped uid")
	}
}

func TestResolve_CachesAfterFirstLookup(t *testing.T) {
	calls := 0
	src := &countingSource{fakeSource: fakeSource{
		uidToNames: map[int32][]string{6006: {"com.cached.app"}},
		flags:      map[string]InstallFlags{"com.cached.app": {}},
	}, calls: &calls}
	c := New(src)
	c.Resolve(0, 6006, nil)
	c.Resolve(0, 6006, nil)
	if calls != 1 {
		t.Fatalf("expected exactly 1 external lookup, got %d", calls)
	}
}

type countingSource struct {
	fakeSource
	calls *int
}

func (s *countingSource) PackageNamesForUID(userID int32, uid int32) ([]string, bool) {
	*s.calls++
	return s.fakeSource.PackageNamesForUID(userID, uid)
}
