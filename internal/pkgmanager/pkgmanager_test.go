package pkgmanager

import (
	"testing"

	"github.com/ioverseer/ioverseer/internal/classifier"
	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

func TestUpdateUIDMembership_PopulatesPackageInfoSource(t *testing.T) {
	r := New()
	r.UpdateUIDMembership(0, 1001, []string{"com.a.app", "com.b.app"})

	names, ok := r.PackageNamesForUID(0, 1001)
	if !ok {
		t.Fatal("expected uid to resolve")
	}
	if len(names) != 2 || names[0] != "com.a.app" || names[1] != "com.b.app" {
		t.Fatalf("got %v", names)
	}

	if _, ok := r.PackageNamesForUID(0, 9999); ok {
		t.Fatal("expected unmapped uid to miss")
	}
}

func TestUpdateUIDMembership_RecordsInstalledUIDsUniquely(t *testing.T) {
	r := New()
	r.UpdateUIDMembership(5, 1001, []string{"com.a.app"})
	r.UpdateUIDMembership(5, 1001, []string{"com.a.app"})
	r.UpdateUIDMembership(5, 2002, []string{"com.b.app"})

	installed, err := r.InstalledPackages(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(installed) != 2 {
		t.Fatalf("expected 2 unique uids, got %v", installed)
	}
}

func TestUpdatePackageInfo_Flags(t *testing.T) {
	r := New()
	flags := classifier.InstallFlags{PrivateVendor: true}
	r.UpdatePackageInfo(0, "com.vendor.app", flags, model.EnabledStateEnabled)

	got, ok := r.Flags(0, "com.vendor.app")
	if !ok {
		t.Fatal("expected flags to be found")
	}
	if !got.PrivateVendor {
		t.Fatalf("got %+v", got)
	}

	if _, ok := r.Flags(0, "com.unknown.app"); ok {
		t.Fatal("expected unknown package to miss")
	}
}

func TestEnabledState_UnknownPackageIsNotFound(t *testing.T) {
	r := New()
	if _, err := r.EnabledState(0, "com.unknown.app"); !werror.Is(err, werror.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestSetEnabledState_RoundTrips(t *testing.T) {
	r := New()
	r.UpdatePackageInfo(0, "com.x", classifier.InstallFlags{}, model.EnabledStateEnabled)

	if err := r.SetEnabledState(0, "com.x", model.EnabledStateDisabledUntilUsed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err := r.EnabledState(0, "com.x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != model.EnabledStateDisabledUntilUsed {
		t.Fatalf("got %v", state)
	}
}

func TestSetEnabledState_UnknownPackageIsNotFound(t *testing.T) {
	r := New()
	if err := r.SetEnabledState(0, "com.unknown.app", model.EnabledStateEnabled); !werror.Is(err, werror.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestSetLiveUsers_ReplacesPriorSet(t *testing.T) {
	r := New()
	r.SetLiveUsers([]int32{0, 10})
	r.SetLiveUsers([]int32{10, 20})

	live := r.LiveUsers()
	seen := make(map[int32]bool, len(live))
	for _, u := range live {
		seen[u] = true
	}
	if len(live) != 2 || !seen[10] || !seen[20] || seen[0] {
		t.Fatalf("got %v", live)
	}
}
