package healthcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
)

type fakeClient struct {
	handle     string
	pid        int32
	userID     int32
	rejectPing bool
	prepared   *bool
}

func (c *fakeClient) Handle() string { return c.handle }
func (c *fakeClient) PID() int32     { return c.pid }
func (c *fakeClient) UserID() int32  { return c.userID }
func (c *fakeClient) Ping(sessionID uint32) error {
	if c.rejectPing {
		return assertErr
	}
	return nil
}
func (c *fakeClient) PrepareTermination() {
	if c.prepared != nil {
		*c.prepared = true
	}
}

var assertErr = &pingRejected{}

type pingRejected struct{}

func (*pingRejected) Error() string { return "ping rejected" }

func TestRegisterClient_RejectsUnknownTierAndDuplicateHandle(t *testing.T) {
	s := New(DefaultDeadlines(), nil, zap.NewNop())
	c := &fakeClient{handle: "h1", pid: 100, userID: 10}

	require.NoError(t, s.RegisterClient(model.TierCritical, c))
	require.Error(t, s.RegisterClient(model.TierCritical, c))
	require.Error(t, s.RegisterClient(model.Tier(99), c))
}

func TestCheckIfAlive_ReportsNonRespondersAndStartsFreshRound(t *testing.T) {
	prepared := false
	c := &fakeClient{handle: "h1", pid: 100, userID: 10, prepared: &prepared}

	var reports []NonResponderReport
	s := New(DefaultDeadlines(), func(r NonResponderReport) { reports = append(reports, r) }, zap.NewNop())
	require.NoError(t, s.RegisterClient(model.TierCritical, c))

	// First round: nobody pinged yet, so no non-responders; a fresh round starts.
	s.CheckIfAlive()
	require.Empty(t, reports)
	require.True(t, prepared == false)

	s.mu.Lock()
	ts := s.tiers[model.TierCritical]
	require.Len(t, ts.pingedClients, 1)
	s.mu.Unlock()

	// Second round: client never responded, so it's reported and prepared.
	s.CheckIfAlive()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].PIDs, 1)
	require.Equal(t, int32(100), reports[0].PIDs[0])
	require.True(t, prepared)
}

func TestCheckIfAlive_StoppedUserExemptFromReporting(t *testing.T) {
	c := &fakeClient{handle: "h1", pid: 100, userID: 10}
	var reports []NonResponderReport
	s := New(DefaultDeadlines(), func(r NonResponderReport) { reports = append(reports, r) }, zap.NewNop())
	require.NoError(t, s.RegisterClient(model.TierCritical, c))

	s.OnUserStateStopped(10)
	s.CheckIfAlive()
	s.CheckIfAlive()
	require.Empty(t, reports)
}

func TestTellClientAlive_RemovesFromPingedClients(t *testing.T) {
	c := &fakeClient{handle: "h1", pid: 100, userID: 10}
	s := New(DefaultDeadlines(), nil, zap.NewNop())
	require.NoError(t, s.RegisterClient(model.TierCritical, c))
	s.CheckIfAlive()

	s.mu.Lock()
	var sid uint32
	for id := range s.tiers[model.TierCritical].pingedClients {
		sid = id
	}
	s.mu.Unlock()

	s.TellClientAlive("h1", sid)
	s.mu.Lock()
	require.Empty(t, s.tiers[model.TierCritical].pingedClients)
	s.mu.Unlock()

	var reports []NonResponderReport
	s.report = func(r NonResponderReport) { reports = append(reports, r) }
	s.CheckIfAlive()
	require.Empty(t, reports)
}

func TestOnPowerCycleResume_ClearsPingedClients(t *testing.T) {
	c := &fakeClient{handle: "h1", pid: 100, userID: 10}
	s := New(DefaultDeadlines(), nil, zap.NewNop())
	require.NoError(t, s.RegisterClient(model.TierCritical, c))
	s.CheckIfAlive()

	s.mu.Lock()
	require.NotEmpty(t, s.tiers[model.TierCritical].pingedClients)
	s.mu.Unlock()

	s.OnPowerCycleResume()
	s.mu.Lock()
	require.Empty(t, s.tiers[model.TierCritical].pingedClients)
	require.False(t, s.tiers[model.TierCritical].checkInProgress)
	s.mu.Unlock()
}
