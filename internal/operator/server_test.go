package operator

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/accounting"
	"github.com/ioverseer/ioverseer/internal/model"
)

// fakeControl is a minimal WatchdogControl double recording which methods
// were invoked, so tests can assert on dispatch without a real Engine.
type fakeControl struct {
	stats            []accounting.ResourceOveruseStats
	tiers            interface{}
	pushConfigErr    error
	shrinkErr        error
	topUsers         []model.UserPackageDailyIoUsageSummary
	topUsersErr      error
	lastTopUsersArgs [3]uint64 // n, minTotalWritten, days-between(from,to)
}

func (f *fakeControl) GetAllResourceOveruseStats(minTotalWritten uint64) []accounting.ResourceOveruseStats {
	return f.stats
}
func (f *fakeControl) TierSnapshot() interface{} { return f.tiers }
func (f *fakeControl) FlushPendingConfiguration(ctx context.Context) error {
	return f.pushConfigErr
}
func (f *fakeControl) ShrinkRetention(now time.Time) error { return f.shrinkErr }
func (f *fakeControl) GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to time.Time) ([]model.UserPackageDailyIoUsageSummary, error) {
	f.lastTopUsersArgs = [3]uint64{uint64(n), minTotalWritten, uint64(to.Sub(from).Hours() / 24)}
	return f.topUsers, f.topUsersErr
}

func startTestServer(t *testing.T, control WatchdogControl) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, control, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the listener a moment to bind before the first dial.
	for i := 0; i < 100; i++ {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(time.Millisecond)
	}
	return socketPath
}

func sendTestRequest(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	buf := make([]byte, 1<<16)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	return resp
}

func TestDump_ReturnsControlStats(t *testing.T) {
	control := &fakeControl{stats: []accounting.ResourceOveruseStats{{UserID: 1, GenericPackageName: "com.x"}}}
	socketPath := startTestServer(t, control)

	resp := sendTestRequest(t, socketPath, Request{Cmd: "dump"})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Stats)
}

func TestShrink_PropagatesError(t *testing.T) {
	control := &fakeControl{shrinkErr: assertShrinkErr}
	socketPath := startTestServer(t, control)

	resp := sendTestRequest(t, socketPath, Request{Cmd: "shrink"})
	require.False(t, resp.OK)
	require.Equal(t, assertShrinkErr.Error(), resp.Error)
}

func TestUnknownCommand_ReturnsError(t *testing.T) {
	control := &fakeControl{}
	socketPath := startTestServer(t, control)

	resp := sendTestRequest(t, socketPath, Request{Cmd: "nonsense"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}

func TestTopUsers_AppliesDefaultsAndForwardsFilters(t *testing.T) {
	control := &fakeControl{topUsers: []model.UserPackageDailyIoUsageSummary{{UserPackageRowID: 7}}}
	socketPath := startTestServer(t, control)

	resp := sendTestRequest(t, socketPath, Request{Cmd: "top_users"})
	require.True(t, resp.OK)
	require.NotNil(t, resp.TopUsers)
	require.Equal(t, [3]uint64{10, 0, 7}, control.lastTopUsersArgs, "defaults of n=10, days=7 should apply when unset")

	sendTestRequest(t, socketPath, Request{Cmd: "top_users", N: 3, MinTotalWritten: 500, Days: 1})
	require.Equal(t, [3]uint64{3, 500, 1}, control.lastTopUsersArgs)
}

type shrinkErr struct{}

func (shrinkErr) Error() string { return "shrink failed" }

var assertShrinkErr error = shrinkErr{}
