// Package healthcheck implements the Health-Check Scheduler (C5): three
// fixed-deadline tiers that ping registered in-process clients and report
// non-responders to the daemon liaison, per §4.5.
package healthcheck

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// Tier deadlines are fixed, not configurable per-client; config.HealthCheckConfig
// only tunes them daemon-wide.
const (
	DefaultCriticalDeadline = 3 * time.Second
	DefaultModerateDeadline = 5 * time.Second
	DefaultNormalDeadline   = 10 * time.Second
)

// Client is a registered health-check participant. PrepareTermination is
// invoked best-effort before a non-responder is reported; Ping delivers a
// session id and returns an error if the client can't accept it (in which
// case it's dropped from pingedClients immediately).
type Client interface {
	Handle() string
	PID() int32
	UserID() int32
	Ping(sessionID uint32) error
	PrepareTermination()
}

// Deadlines parameterizes the three fixed tiers; normally sourced from
// config.HealthCheckConfig.
type Deadlines struct {
	Critical time.Duration
	Moderate time.Duration
	Normal   time.Duration
}

func DefaultDeadlines() Deadlines {
	return Deadlines{Critical: DefaultCriticalDeadline, Moderate: DefaultModerateDeadline, Normal: DefaultNormalDeadline}
}

type tierState struct {
	clients         map[string]Client
	pingedClients   map[uint32]Client
	checkInProgress bool
}

func newTierState() *tierState {
	return &tierState{clients: make(map[string]Client), pingedClients: make(map[uint32]Client)}
}

// NonResponderReport is what gets pushed to the daemon liaison after a
// Critical-tier analysis round.
type NonResponderReport struct {
	SessionID uint32
	PIDs      []int32
}

// Scheduler owns the three tier tables and the stopped-users set (C5.tiers,
// guarded by mu per §5).
type Scheduler struct {
	mu        sync.Mutex
	deadlines Deadlines
	tiers     map[model.Tier]*tierState
	nextSessionID uint32
	stoppedUsers  map[int32]struct{}

	log    *zap.Logger
	report func(NonResponderReport)
}

// New constructs a Scheduler. report is invoked (outside the lock) whenever
// a Critical-tier round finds non-responders; wire it to the daemon
// liaison's TellCarWatchdogServiceAlive.
func New(deadlines Deadlines, report func(NonResponderReport), log *zap.Logger) *Scheduler {
	s := &Scheduler{
		deadlines:    deadlines,
		tiers:        make(map[model.Tier]*tierState),
		nextSessionID: 1,
		stoppedUsers: make(map[int32]struct{}),
		log:          log,
		report:       report,
	}
	s.tiers[model.TierCritical] = newTierState()
	s.tiers[model.TierModerate] = newTierState()
	s.tiers[model.TierNormal] = newTierState()
	return s
}

// RegisterClient adds c to its tier. Unknown tiers are InvalidArgument;
// an already-registered handle is a duplicate-registration error.
func (s *Scheduler) RegisterClient(tier model.Tier, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tiers[tier]
	if !ok {
		return werror.New(werror.KindInvalidArgument, "healthcheck.RegisterClient", "unknown tier")
	}
	if _, exists := ts.clients[c.Handle()]; exists {
		return werror.New(werror.KindIllegalState, "healthcheck.RegisterClient", "handle already registered")
	}
	ts.clients[c.Handle()] = c
	return nil
}

// UnregisterClient removes handle from every tier it might be in.
func (s *Scheduler) UnregisterClient(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tiers {
		delete(ts.clients, handle)
		for sid, c := range ts.pingedClients {
			if c.Handle() == handle {
				delete(ts.pingedClients, sid)
			}
		}
	}
}

// TellClientAlive records that handle responded to sessionID, removing it
// from its tier's pingedClients so it won't be reported as a non-responder.
func (s *Scheduler) TellClientAlive(handle string, sessionID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tiers {
		if c, ok := ts.pingedClients[sessionID]; ok && c.Handle() == handle {
			delete(ts.pingedClients, sessionID)
			return
		}
	}
}

// nextSession returns the next monotonic session id, wrapping 0 to 1 on
// overflow (ids are always positive).
func (s *Scheduler) nextSession() uint32 {
	id := s.nextSessionID
	s.nextSessionID++
	if s.nextSessionID == 0 {
		s.nextSessionID = 1
	}
	return id
}

// CheckIfAlive runs one full protocol round per §4.5 steps 1-4: analyzes
// Critical non-responders, reports them, starts a fresh Critical round,
// and — unless already in progress — starts Moderate/Normal rounds too.
func (s *Scheduler) CheckIfAlive() {
	s.analyzeAndRestartCritical()
	s.maybeStartRound(model.TierModerate)
	s.maybeStartRound(model.TierNormal)
}

func (s *Scheduler) analyzeAndRestartCritical() {
	s.mu.Lock()
	ts := s.tiers[model.TierCritical]

	var notResponding []Client
	for sid, c := range ts.pingedClients {
		if _, stopped := s.stoppedUsers[c.UserID()]; stopped {
			continue
		}
		notResponding = append(notResponding, c)
		delete(ts.pingedClients, sid)
	}
	ts.checkInProgress = false
	s.mu.Unlock()

	if len(notResponding) > 0 {
		for _, c := range notResponding {
			c.PrepareTermination()
		}
	}

	s.startRoundLocked(model.TierCritical, notResponding)
}

// maybeStartRound starts a ping round for tier if one isn't already in
// progress; otherwise it's a no-op (step 4).
func (s *Scheduler) maybeStartRound(tier model.Tier) {
	s.mu.Lock()
	ts := s.tiers[tier]
	if ts.checkInProgress {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.startRoundLocked(tier, nil)
}

// startRoundLocked pings every currently-registered client of tier with a
// fresh session id and reports notResponding (if non-empty, Critical only)
// to the daemon via s.report. Clients that reject the ping are dropped from
// pingedClients immediately.
func (s *Scheduler) startRoundLocked(tier model.Tier, notResponding []Client) {
	s.mu.Lock()
	ts := s.tiers[tier]
	ts.pingedClients = make(map[uint32]Client)

	type assignment struct {
		sessionID uint32
		client    Client
	}
	var toPing []assignment
	for _, c := range ts.clients {
		sid := s.nextSession()
		toPing = append(toPing, assignment{sid, c})
	}
	ts.checkInProgress = true
	var reportSessionID uint32
	if len(toPing) > 0 {
		reportSessionID = toPing[0].sessionID
	} else {
		reportSessionID = s.nextSession()
	}
	s.mu.Unlock()

	for _, a := range toPing {
		if err := a.client.Ping(a.sessionID); err != nil {
			s.log.Debug("healthcheck: client rejected ping, dropping", zap.String("handle", a.client.Handle()), zap.Error(err))
			s.mu.Lock()
			delete(ts.pingedClients, a.sessionID)
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		ts.pingedClients[a.sessionID] = a.client
		s.mu.Unlock()
	}

	if tier == model.TierCritical && len(notResponding) > 0 && s.report != nil {
		pids := make([]int32, len(notResponding))
		for i, c := range notResponding {
			pids[i] = c.PID()
		}
		s.report(NonResponderReport{SessionID: reportSessionID, PIDs: pids})
	}

	if tier != model.TierCritical {
		deadline := s.deadlineFor(tier)
		go func() {
			time.Sleep(deadline)
			s.analyzeNonCritical(tier)
		}()
	}
}

func (s *Scheduler) deadlineFor(tier model.Tier) time.Duration {
	switch tier {
	case model.TierModerate:
		return s.deadlines.Moderate
	case model.TierNormal:
		return s.deadlines.Normal
	default:
		return s.deadlines.Critical
	}
}

// analyzeNonCritical clears checkInProgress for Moderate/Normal tiers at
// their deadline. Unlike Critical, non-responders in these tiers are not
// separately reported — the next check-if-alive cycle's Critical analysis
// is the only reporting path per §4.5; these tiers only gate re-pinging.
func (s *Scheduler) analyzeNonCritical(tier model.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier].checkInProgress = false
}

// OnPowerCycleResume clears all pinged-clients tables, per §4.5.
func (s *Scheduler) OnPowerCycleResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tiers {
		ts.pingedClients = make(map[uint32]Client)
		ts.checkInProgress = false
	}
}

// OnUserStateStopped adds userID to the stopped-users set, exempting its
// clients from non-responder reporting while stopped.
func (s *Scheduler) OnUserStateStopped(userID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedUsers[userID] = struct{}{}
}

// OnUserStateStarted removes userID from the stopped-users set.
func (s *Scheduler) OnUserStateStarted(userID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stoppedUsers, userID)
}

// TierSummary is a read-only snapshot of one tier's state, for the
// introspection endpoint.
type TierSummary struct {
	Tier            string
	RegisteredCount int
	PingedCount     int
	CheckInProgress bool
}

// Snapshot returns a point-in-time summary of all three tiers.
func (s *Scheduler) Snapshot() []TierSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TierSummary, 0, len(s.tiers))
	for _, tier := range []model.Tier{model.TierCritical, model.TierModerate, model.TierNormal} {
		ts := s.tiers[tier]
		out = append(out, TierSummary{
			Tier:            tier.String(),
			RegisteredCount: len(ts.clients),
			PingedCount:     len(ts.pingedClients),
			CheckInProgress: ts.checkInProgress,
		})
	}
	return out
}
