// Package membership implements the Membership Manager: the state machine
// that publishes a device's participation in an RTC slot, keeps a
// server-scheduled delayed-leave safety net alive, periodically refreshes
// the membership's expiry, and tears everything down on leave.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/go-matrixrtc/common/clock"
	"github.com/bdobrica/go-matrixrtc/common/trace"
	"github.com/bdobrica/go-matrixrtc/rtc/config"
	"github.com/bdobrica/go-matrixrtc/rtc/matrixadapter"
	"github.com/bdobrica/go-matrixrtc/rtc/scheduler"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
)

// Status re-exports the scheduler's derived connection status.
type Status = scheduler.Status

const (
	Disconnected  = scheduler.Disconnected
	Connecting    = scheduler.Connecting
	Connected     = scheduler.Connected
	Disconnecting = scheduler.Disconnecting
	StatusUnknown = scheduler.StatusUnknown
)

// rtcMemberEventType is the state event type published under the manager's
// state key; a leave publishes the same type with empty content.
const rtcMemberEventType = "org.matrix.msc3401.call.member"

// Manager is the Membership Manager.
type Manager struct {
	stateSender   matrixadapter.StateEventSender
	delayedClient matrixadapter.DelayedEventClient
	sched         *scheduler.Scheduler
	clock         clock.Clock
	log           *slog.Logger

	roomID          id.RoomID
	self            session.ParticipantID
	slot            session.Slot
	stableStateKeys bool
	tunables        config.Tunables

	onStatusChanged func(old, new Status)
	onProbablyLeft  func(bool)
	onError         func(error)

	mu sync.Mutex

	activated               bool
	delayID                 string
	hasMemberStateEvent     bool
	expectedServerLeaveTS   time.Time
	startTime               time.Time
	expireIterations        int
	createdTS               *int64
	probablyLeft            bool
	fociPreferred           []session.Focus
	focusActive             session.FocusActive
	callIntent              string

	delayMs time.Duration // mutable copy of tunables.DelayedLeaveEventDelay, clamped on M_MAX_DELAY_EXCEEDED

	rateLimitRetries   map[scheduler.ActionType]int
	networkErrorRetries map[scheduler.ActionType]int

	leaveOnce sync.Once
	leaveDone chan struct{}
}

// New constructs a Membership Manager for one participant/slot in one room.
func New(
	stateSender matrixadapter.StateEventSender,
	delayedClient matrixadapter.DelayedEventClient,
	roomID id.RoomID,
	self session.ParticipantID,
	slot session.Slot,
	stableStateKeys bool,
	tunables config.Tunables,
	clk clock.Clock,
	log *slog.Logger,
) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		stateSender:         stateSender,
		delayedClient:       delayedClient,
		sched:               scheduler.New(clk, log),
		clock:               clk,
		log:                 log,
		roomID:              roomID,
		self:                self,
		slot:                slot,
		stableStateKeys:     stableStateKeys,
		tunables:            tunables,
		delayMs:             tunables.DelayedLeaveEventDelay,
		rateLimitRetries:    make(map[scheduler.ActionType]int),
		networkErrorRetries: make(map[scheduler.ActionType]int),
		leaveDone:           make(chan struct{}),
	}
}

// OnStatusChanged registers a callback invoked when the derived status has
// changed, checked each time the scheduler dispatches an action and once
// more when its loop exits.
func (m *Manager) OnStatusChanged(fn func(old, new Status)) { m.onStatusChanged = fn }

// OnProbablyLeft registers a callback invoked whenever the probably-left
// hint changes.
func (m *Manager) OnProbablyLeft(fn func(bool)) { m.onProbablyLeft = fn }

// Status returns the currently derived connection status.
func (m *Manager) Status() Status { return m.sched.Status() }

// Join activates the manager and drives the state machine until Leave
// completes or a fatal error is reported via onError. Idempotent: a second
// call while already activated is a no-op.
func (m *Manager) Join(ctx context.Context, fociPreferred []session.Focus, focusSelection session.FocusSelection, onError func(error)) {
	m.mu.Lock()
	if m.activated {
		m.mu.Unlock()
		m.log.Debug("membership: join called while already activated, ignoring")
		return
	}
	m.activated = true
	m.fociPreferred = fociPreferred
	m.focusActive = session.FocusActive{Type: "livekit", FocusSelection: focusSelection}
	m.onError = onError
	m.mu.Unlock()

	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}
	m.log.Info("membership: joining", "trace_id", trace.FromContext(ctx), "participant", m.self.String(), "slot", m.slot.String())

	prevStatus := m.sched.Status()
	go func() {
		reportStatus := func() {
			newStatus := m.sched.Status()
			if m.onStatusChanged != nil && newStatus != prevStatus {
				m.onStatusChanged(prevStatus, newStatus)
			}
			prevStatus = newStatus
		}
		m.sched.StartWithJoin(ctx, func(ctx context.Context, action scheduler.Action) (scheduler.Update, error) {
			reportStatus()
			return m.handle(ctx, action)
		})
		reportStatus()
		m.leaveOnce.Do(func() { close(m.leaveDone) })
	}()
}

// Leave requests voluntary teardown and blocks until it completes or
// timeout elapses, returning whether it completed in time. A second
// concurrent call observes the same in-flight completion. Calling Leave
// when not running resolves true immediately.
func (m *Manager) Leave(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.activated {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	select {
	case <-m.leaveDone:
		// Already finished (e.g. a prior Leave call completed); nothing left
		// to drive, and the scheduler's loop goroutine has already exited.
		return true
	default:
		m.sched.InitiateLeave()
	}

	if timeout <= 0 {
		<-m.leaveDone
		return true
	}
	select {
	case <-m.leaveDone:
		return true
	case <-m.clock.After(timeout):
		return false
	}
}

// OnRTCSessionMemberUpdate is called with the currently observed membership
// list for the slot. If activated and our own fact is absent, it schedules a
// fresh join unless one is already in flight.
func (m *Manager) OnRTCSessionMemberUpdate(memberships []session.ParticipantID) {
	m.mu.Lock()
	activated := m.activated
	hasEvent := m.hasMemberStateEvent
	m.mu.Unlock()
	if !activated || !hasEvent {
		return
	}
	for _, p := range memberships {
		if p == m.self {
			return
		}
	}
	m.log.Warn("membership: own membership fact missing from observed set, rejoining")
	m.sched.InitiateJoin()
}

// UpdateCallIntent updates the local call intent and publishes a new join
// event carrying it. Only valid once activated and after the initial join
// event has been published.
func (m *Manager) UpdateCallIntent(ctx context.Context, intent string) error {
	m.mu.Lock()
	if !m.activated || !m.hasMemberStateEvent {
		m.mu.Unlock()
		return fmt.Errorf("membership: cannot update call intent before joining")
	}
	m.callIntent = intent
	fact := m.buildFact()
	m.mu.Unlock()

	return m.stateSender.SendStateEvent(ctx, m.roomID, rtcMemberEventType, m.stateKey(), fact)
}

func (m *Manager) stateKey() string {
	return session.StateKey(m.self, m.slot, m.stableStateKeys)
}

// buildFact constructs the membership fact to publish. Caller must hold m.mu.
func (m *Manager) buildFact() session.MembershipFact {
	return session.MembershipFact{
		Application:   m.slot.Application,
		CallID:        m.slot.CallID,
		Scope:         "m.room",
		DeviceID:      m.self.DeviceID,
		CreatedTS:     m.createdTS,
		CallIntent:    m.callIntent,
		FocusActive:   m.focusActive,
		FociPreferred: m.fociPreferred,
	}
}

func (m *Manager) setProbablyLeft(v bool) {
	m.mu.Lock()
	changed := m.probablyLeft != v
	m.probablyLeft = v
	m.mu.Unlock()
	if changed && m.onProbablyLeft != nil {
		m.onProbablyLeft(v)
	}
}
