// Package scheduler implements the single-loop action scheduler that drives
// the membership manager's state machine: a time-sorted list of pending
// actions, a wakeup signal, and one handler invocation at a time.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.mau.fi/util/exsync"

	"github.com/bdobrica/go-matrixrtc/common/clock"
)

// ActionType enumerates the scheduler actions the membership manager reacts
// to. See the membership package for the state machine each type drives.
type ActionType int

const (
	SendDelayedEvent ActionType = iota
	SendJoinEvent
	RestartDelayedEvent
	UpdateExpiry
	SendScheduledDelayedLeaveEvent
	SendLeaveEvent
)

func (t ActionType) String() string {
	switch t {
	case SendDelayedEvent:
		return "SendDelayedEvent"
	case SendJoinEvent:
		return "SendJoinEvent"
	case RestartDelayedEvent:
		return "RestartDelayedEvent"
	case UpdateExpiry:
		return "UpdateExpiry"
	case SendScheduledDelayedLeaveEvent:
		return "SendScheduledDelayedLeaveEvent"
	case SendLeaveEvent:
		return "SendLeaveEvent"
	default:
		return "Unknown"
	}
}

// Action is a single scheduled unit of work.
type Action struct {
	At   time.Time
	Type ActionType
}

// Update is the result a Handler returns after processing one Action.
// Replace, when non-nil, discards every other pending action and substitutes
// this list. Insert merges additional actions into the existing list. Both
// being nil/empty means "no change beyond removing the dispatched action".
type Update struct {
	Replace []Action
	Insert  []Action
}

// Handler processes one dispatched action and returns how the pending set
// should change.
type Handler func(ctx context.Context, action Action) (Update, error)

// Status is the observable connection status derived from the pending
// action set.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Disconnecting
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Scheduler is the single driver loop owning the pending action list. The
// list is rearranged by the loop that StartWithJoin runs on its caller's
// goroutine; InitiateJoin/InitiateLeave only record a replacement list and
// signal the wakeup event, and the loop applies the replacement.
type Scheduler struct {
	clock   clock.Clock
	wakeup  *exsync.Event
	log     *slog.Logger

	mu      sync.Mutex
	pending []Action
	running bool

	// pendingWakeupReplace, when non-nil, is applied with priority over
	// whatever the in-flight handler returns, matching the contract that a
	// wakeup always wins a race with the handler's own return value.
	pendingWakeupReplace []Action
}

// New constructs a Scheduler. clk may be nil to use the real wall clock.
func New(clk clock.Clock, log *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		clock:  clk,
		wakeup: exsync.NewEvent(),
		log:    log,
	}
}

// Status derives the connection status from the current pending action set,
// per the rules in the membership manager's state machine design.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	if !s.running {
		return Disconnected
	}
	has := func(t ActionType) bool {
		for _, a := range s.pending {
			if a.Type == t {
				return true
			}
		}
		return false
	}
	switch {
	case has(SendDelayedEvent) || has(SendJoinEvent):
		return Connecting
	case has(SendScheduledDelayedLeaveEvent) || has(SendLeaveEvent):
		return Disconnecting
	case has(UpdateExpiry) && has(RestartDelayedEvent):
		return Connected
	case len(s.pending) == 0:
		return Disconnected
	default:
		s.log.Error("scheduler: could not derive status from pending action set", "pending", s.pending)
		return StatusUnknown
	}
}

// StartWithJoin seeds the pending list with an immediate SendDelayedEvent
// action and runs the dispatch loop until the list empties or ctx is
// cancelled. It blocks; callers run it in its own goroutine.
func (s *Scheduler) StartWithJoin(ctx context.Context, handler Handler) {
	s.mu.Lock()
	s.running = true
	s.pending = []Action{{At: s.clock.Now(), Type: SendDelayedEvent}}
	s.mu.Unlock()

	s.loop(ctx, handler)
}

// InitiateJoin wakes the loop with a forced immediate SendDelayedEvent,
// discarding whatever else was pending.
func (s *Scheduler) InitiateJoin() {
	s.replaceAndWake([]Action{{At: s.clock.Now(), Type: SendDelayedEvent}})
}

// InitiateLeave wakes the loop with a forced immediate
// SendScheduledDelayedLeaveEvent, discarding whatever else was pending.
func (s *Scheduler) InitiateLeave() {
	s.replaceAndWake([]Action{{At: s.clock.Now(), Type: SendScheduledDelayedLeaveEvent}})
}

func (s *Scheduler) replaceAndWake(actions []Action) {
	s.mu.Lock()
	s.pendingWakeupReplace = actions
	s.running = true
	s.mu.Unlock()
	s.wakeup.Set()
}

func (s *Scheduler) loop(ctx context.Context, handler Handler) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].At.Before(s.pending[j].At) })
		head := s.pending[0]
		wait := head.At.Sub(s.clock.Now())
		s.mu.Unlock()

		if wait > 0 {
			timer := s.clock.After(wait)
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-s.wakeup.GetChan():
				s.wakeup.Clear()
				if s.applyWakeupReplace() {
					continue
				}
				continue
			case <-timer:
			}
		} else {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-s.wakeup.GetChan():
				s.wakeup.Clear()
				if s.applyWakeupReplace() {
					continue
				}
			default:
			}
		}

		upd, err := handler(ctx, head)
		if err != nil {
			s.log.Error("scheduler: handler returned an unrecoverable error", "action", head.Type.String(), "err", err)
			s.mu.Lock()
			s.pending = nil
			s.running = false
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.applyWakeupReplaceLocked() {
			s.mu.Unlock()
			continue
		}
		s.pending = removeAction(s.pending, head)
		if upd.Replace != nil {
			s.pending = append([]Action{}, upd.Replace...)
		} else {
			s.pending = append(s.pending, upd.Insert...)
		}
		s.mu.Unlock()
	}
}

// applyWakeupReplace checks, under lock, whether a wakeup-triggered replace
// is pending and applies it, returning true if it did.
func (s *Scheduler) applyWakeupReplace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyWakeupReplaceLocked()
}

func (s *Scheduler) applyWakeupReplaceLocked() bool {
	if s.pendingWakeupReplace == nil {
		return false
	}
	s.pending = s.pendingWakeupReplace
	s.pendingWakeupReplace = nil
	return true
}

func removeAction(actions []Action, target Action) []Action {
	out := actions[:0:0]
	removed := false
	for _, a := range actions {
		if !removed && a == target {
			removed = true
			continue
		}
		out = append(out, a)
	}
	return out
}
