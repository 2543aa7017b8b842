package accounting

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/storage"
)

// fakeStore is a minimal in-memory StatsStore double.
type fakeStore struct {
	settings    map[model.UserPackage]int64
	nextRowID   int64
	today       map[int64]model.DailyIoUsage
	notForgiven map[int64]int64
	saved       [][]model.DailyIoUsage
}

func newFakeStore() *fakeStore {
	return &fakeStore{settings: map[model.UserPackage]int64{}, today: map[int64]model.DailyIoUsage{}, notForgiven: map[int64]int64{}}
}

func (f *fakeStore) LoadAllSettings() ([]model.UserPackage, map[int64]model.KillableState, error) {
	return nil, nil, nil
}

func (f *fakeStore) SaveUserPackageSettings(entries []storage.SettingsEntry) (map[model.UserPackage]int64, error) {
	out := make(map[model.UserPackage]int64, len(entries))
	for _, e := range entries {
		up := model.UserPackage{UserID: e.UserID, GenericPackageName: e.PackageName}
		if id, ok := f.settings[up]; ok {
			out[up] = id
			continue
		}
		f.nextRowID++
		f.settings[up] = f.nextRowID
		out[up] = f.nextRowID
	}
	return out, nil
}

func (f *fakeStore) GetTodayIoUsageStats(todayEpoch int64) (map[int64]model.DailyIoUsage, error) {
	return f.today, nil
}

func (f *fakeStore) SaveIoUsageStats(entries []model.DailyIoUsage, todayEpoch int64, checkRetention bool) error {
	f.saved = append(f.saved, entries)
	return nil
}

func (f *fakeStore) GetNotForgivenHistoricalIoOveruses(todayEpoch int64, numDaysAgo int) (map[int64]int64, error) {
	return f.notForgiven, nil
}

func (f *fakeStore) ForgiveHistoricalOveruses(rowIDs []int64, todayEpoch int64, numDaysAgo int) error {
	return nil
}

func (f *fakeStore) GetHistoricalIoOveruseStats(rowID int64, todayEpoch int64, numDaysAgo int) (*storage.HistoricalOveruseStats, error) {
	return nil, nil
}

func (f *fakeStore) InvalidateTodayCache() {}

func (f *fakeStore) ShrinkDatabase(todayEpoch int64, retentionDays int) error { return nil }

func (f *fakeStore) GetDailySystemIoUsageSummaries(from, to int64) ([]model.DailySystemIoUsageSummary, error) {
	return nil, nil
}

func (f *fakeStore) GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to int64) ([]model.UserPackageDailyIoUsageSummary, error) {
	return nil, nil
}

// fakeResolver resolves every uid to a fixed third-party package.
type fakeResolver struct {
	componentType model.ComponentType
	members       []string
}

func (r *fakeResolver) Resolve(userID, uid int32, vendorPrefixes []string) (string, model.ComponentType, []string, error) {
	return "com.x", r.componentType, r.members, nil
}

type fakeThreshold struct{}

func (fakeThreshold) FetchThreshold(string, model.ComponentType) model.PerStateBytes { return model.DefaultThreshold }
func (fakeThreshold) IsSafeToKill(string, model.ComponentType, []string) bool        { return true }
func (fakeThreshold) Set([]model.OveruseConfiguration)                              {}
func (fakeThreshold) Get(model.ComponentType) (model.OveruseConfiguration, bool)     { return model.OveruseConfiguration{}, false }
func (fakeThreshold) All() []model.OveruseConfiguration                             { return nil }
func (fakeThreshold) VendorPrefixes() []string                                      { return nil }

type fakeDaemon struct {
	connected bool
	actions   [][]model.OveruseAction
}

func (d *fakeDaemon) IsConnected(ctx context.Context) (bool, error) { return d.connected, nil }
func (d *fakeDaemon) GetResourceOveruseConfigurations(ctx context.Context) ([]model.OveruseConfiguration, error) {
	return nil, nil
}
func (d *fakeDaemon) UpdateResourceOveruseConfigurations(ctx context.Context, configs []model.OveruseConfiguration) error {
	return nil
}
func (d *fakeDaemon) ActionTakenOnResourceOveruse(ctx context.Context, actions []model.OveruseAction) error {
	d.actions = append(d.actions, actions)
	return nil
}

type fakePkgMgr struct {
	states map[string]model.EnabledState
}

func newFakePkgMgr() *fakePkgMgr { return &fakePkgMgr{states: map[string]model.EnabledState{}} }

func (m *fakePkgMgr) EnabledState(userID int32, packageName string) (model.EnabledState, error) {
	if s, ok := m.states[packageName]; ok {
		return s, nil
	}
	return model.EnabledStateEnabled, nil
}
func (m *fakePkgMgr) SetEnabledState(userID int32, packageName string, state model.EnabledState) error {
	m.states[packageName] = state
	return nil
}
func (m *fakePkgMgr) InstalledPackages(userID int32) ([]int32, error) { return nil, nil }
func (m *fakePkgMgr) LiveUsers() []int32                              { return nil }

func newTestEngine(ct model.ComponentType) (*Engine, *fakeStore, *fakeDaemon, *fakePkgMgr) {
	store := newFakeStore()
	daemon := &fakeDaemon{connected: true}
	pkgMgr := newFakePkgMgr()
	e := New(Config{RetentionDays: 30, RecurringOveruseMinCount: 2, RecurringOveruseWindowDays: 3},
		store, &fakeResolver{componentType: ct, members: []string{"com.x"}}, fakeThreshold{}, daemon, pkgMgr, zap.NewNop(), nil)
	return e, store, daemon, pkgMgr
}

func TestIngestStats_KillableOnOveruseFalseProducesNeverAndNotKilled(t *testing.T) {
	e, _, _, _ := newTestEngine(model.ComponentThirdParty)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{
		{
			UID:                 1001,
			UserID:              10,
			WrittenBytes:        model.PerStateBytes{Foreground: 80, Background: 40, GarageMode: 150},
			RemainingWriteBytes: model.PerStateBytes{Foreground: 0, Background: 10, GarageMode: 50},
			TotalOveruses:       1,
			KillableOnOveruse:   false,
			ShouldNotify:        true,
		},
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := e.GetResourceOveruseStats(10)
	if len(stats) != 1 || stats[0].KillableState != model.KillableNever {
		t.Fatalf("expected KillableNever, got %+v", stats)
	}

	e.mu.Lock()
	actions := e.pendingActions
	e.mu.Unlock()
	if len(actions) != 1 || actions[0].Kind != model.ActionNotKilled {
		t.Fatalf("expected exactly one NOT_KILLED action, got %+v", actions)
	}
}

func TestIngestStats_ThirdPartyKillableYesGetsKilledAndDisabled(t *testing.T) {
	e, _, _, pkgMgr := newTestEngine(model.ComponentThirdParty)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{
		{
			UID:                 1001,
			UserID:              10,
			WrittenBytes:        model.PerStateBytes{Foreground: 80, Background: 40, GarageMode: 150},
			RemainingWriteBytes: model.PerStateBytes{Foreground: 0, Background: 10, GarageMode: 50},
			TotalOveruses:       1,
			KillableOnOveruse:   true,
			ShouldNotify:        true,
		},
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.mu.Lock()
	actions := e.pendingActions
	e.mu.Unlock()
	if len(actions) != 1 || actions[0].Kind != model.ActionKilled {
		t.Fatalf("expected exactly one KILLED action, got %+v", actions)
	}
	if state, _ := pkgMgr.EnabledState(10, "com.x"); state != model.EnabledStateDisabledUntilUsed {
		t.Fatalf("expected com.x to be disabled-until-used, got %v", state)
	}
}

func TestIngestStats_RecurringOveruseDisablesAndNeverRestoresOnRollover(t *testing.T) {
	e, store, _, pkgMgr := newTestEngine(model.ComponentThirdParty)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	stat := model.PackageIoOveruseStats{
		UID:                 1001,
		UserID:              10,
		WrittenBytes:        model.PerStateBytes{Foreground: 80, Background: 40, GarageMode: 150},
		RemainingWriteBytes: model.PerStateBytes{Foreground: 0, Background: 10, GarageMode: 50},
		TotalOveruses:       3,
		KillableOnOveruse:   true,
	}
	if err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{stat}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rowID int64
	for _, id := range store.settings {
		rowID = id
	}
	store.notForgiven[rowID] = 5 // >= RecurringOveruseMinCount(2)

	if err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{stat}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.mu.Lock()
	lastAction := e.pendingActions[len(e.pendingActions)-1]
	e.mu.Unlock()
	if lastAction.Kind != model.ActionKilledRecurringOveruse {
		t.Fatalf("expected KILLED_RECURRING_OVERUSE, got %v", lastAction.Kind)
	}

	// Roll to next day: recurring disables are never restored.
	nextDay := now.Add(36 * time.Hour)
	if err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{
		{UID: 1001, UserID: 10, WrittenBytes: model.PerStateBytes{Foreground: 1}, RemainingWriteBytes: model.PerStateBytes{Foreground: 1, Background: 1, GarageMode: 1}, KillableOnOveruse: true},
	}, nextDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state, _ := pkgMgr.EnabledState(10, "com.x"); state != model.EnabledStateDisabledUntilUsed {
		t.Fatalf("expected recurring disable to survive rollover, got %v", state)
	}
}

func TestDateRollover_PersistsClosingDayAndResetsCounters(t *testing.T) {
	e, store, _, _ := newTestEngine(model.ComponentThirdParty)
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	stat := model.PackageIoOveruseStats{
		UID:                 1001,
		UserID:              10,
		WrittenBytes:        model.PerStateBytes{Foreground: 100},
		RemainingWriteBytes: model.PerStateBytes{Foreground: 50, Background: 50, GarageMode: 50},
		KillableOnOveruse:   true,
	}
	if err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{stat}, day1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.IngestStats(context.Background(), []model.PackageIoOveruseStats{stat}, day2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one persisted closing-day batch, got %d", len(store.saved))
	}
	if store.saved[0][0].WrittenBytes.Foreground != 100 {
		t.Fatalf("expected closing day's row to carry yesterday's written bytes, got %+v", store.saved[0][0])
	}
}

func TestAddListener_RejectsDuplicateHandle(t *testing.T) {
	e, _, _, _ := newTestEngine(model.ComponentThirdParty)
	l := &fakeListener{handle: "h1", alive: true}
	if err := e.AddListener(10, l); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	if err := e.AddListener(10, l); err == nil {
		t.Fatal("expected duplicate-handle error on second add")
	}
}

func TestDispatch_PrunesDeadListeners(t *testing.T) {
	e, _, _, _ := newTestEngine(model.ComponentThirdParty)
	l := &fakeListener{handle: "h1", alive: false}
	if err := e.AddListener(-1, l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.dispatch(10, model.PackageIoOveruseStats{})
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	if len(e.sysListeners) != 0 {
		t.Fatalf("expected dead listener to be pruned, got %d remaining", len(e.sysListeners))
	}
}

type fakeListener struct {
	handle   string
	alive    bool
	notified int
}

func (l *fakeListener) Handle() string { return l.handle }
func (l *fakeListener) IsAlive() bool  { return l.alive }
func (l *fakeListener) Notify(model.PackageIoOveruseStats) { l.notified++ }
