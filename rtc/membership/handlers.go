package membership

import (
	"context"
	"time"

	"github.com/bdobrica/go-matrixrtc/rtc/rtcerr"
	"github.com/bdobrica/go-matrixrtc/rtc/scheduler"
)

func (m *Manager) handleSendDelayedEvent(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	staleDelayID := m.delayID
	m.mu.Unlock()

	if staleDelayID != "" {
		if err := m.delayedClient.CancelDelayed(ctx, staleDelayID); err != nil {
			if !rtcerr.IsNotFound(err) {
				return scheduler.Update{}, err
			}
			// Already gone; fall through and re-create it.
		}
		m.mu.Lock()
		m.delayID = ""
		m.mu.Unlock()
	}

	m.mu.Lock()
	delay := m.delayMs
	stateKey := m.stateKey()
	m.mu.Unlock()

	delayID, err := m.delayedClient.ScheduleDelayedState(ctx, m.roomID, stateKey, rtcMemberEventType, delay, map[string]any{})
	if err != nil {
		if rtcerr.IsUnsupportedEndpoint(err) {
			m.log.Warn("membership: delayed-events endpoint unsupported, degrading to state-only operation")
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendJoinEvent}}}, nil
		}
		if md, ok := rtcerr.IsMaxDelayExceeded(err); ok {
			m.mu.Lock()
			m.delayMs = md.MaxDelay
			m.mu.Unlock()
			m.log.Warn("membership: server rejected delay as too large, clamping", "max_delay", md.MaxDelay)
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendDelayedEvent}}}, nil
		}
		switch outcome, wait := m.classify(scheduler.SendDelayedEvent, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.SendDelayedEvent}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}

	m.resetRetryCounters(scheduler.SendDelayedEvent)

	m.mu.Lock()
	m.delayID = delayID
	m.expectedServerLeaveTS = m.clock.Now().Add(delay)
	hasEvent := m.hasMemberStateEvent
	m.mu.Unlock()

	if hasEvent {
		return scheduler.Update{Insert: []scheduler.Action{
			{At: m.clock.Now().Add(m.tunables.DelayedLeaveEventRestart), Type: scheduler.RestartDelayedEvent},
		}}, nil
	}
	return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendJoinEvent}}}, nil
}

func (m *Manager) handleSendJoinEvent(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	fact := m.buildFact()
	fact.Expires = m.tunables.MembershipEventExpiry.Milliseconds()
	stateKey := m.stateKey()
	m.mu.Unlock()

	if err := m.stateSender.SendStateEvent(ctx, m.roomID, rtcMemberEventType, stateKey, fact); err != nil {
		switch outcome, wait := m.classify(scheduler.SendJoinEvent, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.SendJoinEvent}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}
	m.resetRetryCounters(scheduler.SendJoinEvent)

	now := m.clock.Now()
	nowMs := now.UnixMilli()
	m.mu.Lock()
	m.startTime = now
	m.expireIterations = 0
	m.hasMemberStateEvent = true
	m.createdTS = &nowMs
	m.mu.Unlock()
	m.setProbablyLeft(false)

	return scheduler.Update{Insert: []scheduler.Action{
		{At: now, Type: scheduler.RestartDelayedEvent},
		{At: m.nextExpiryAction(1), Type: scheduler.UpdateExpiry},
	}}, nil
}

// nextExpiryAction computes the absolute time the i'th UpdateExpiry should
// fire, per the sticky-duration formula in the state machine design.
func (m *Manager) nextExpiryAction(i int) time.Time {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()
	period := m.tunables.MembershipEventExpiry
	if m.tunables.StickyDuration < period {
		period = m.tunables.StickyDuration
	}
	return start.Add(period * time.Duration(i)).Add(-m.tunables.MembershipEventExpiryHeadroom)
}

func (m *Manager) handleRestartDelayedEvent(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	delayID := m.delayID
	expected := m.expectedServerLeaveTS
	probablyLeft := m.probablyLeft
	m.mu.Unlock()

	localTimeout := m.tunables.DelayedLeaveEventRestartLocalTimeout
	if !probablyLeft {
		if remaining := expected.Sub(m.clock.Now()); remaining < localTimeout {
			localTimeout = remaining
		}
	}

	restartCtx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	err := m.delayedClient.RestartDelayed(restartCtx, delayID)
	if err != nil {
		if restartCtx.Err() != nil && ctx.Err() == nil {
			// Local abort: our deadline elapsed, not the outer context's.
			if m.clock.Now().After(expected) {
				m.setProbablyLeft(true)
			}
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.RestartDelayedEvent}}}, nil
		}
		if rtcerr.IsNotFound(err) {
			m.mu.Lock()
			m.delayID = ""
			m.mu.Unlock()
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendDelayedEvent}}}, nil
		}
		if rtcerr.IsUnsupportedEndpoint(err) {
			m.log.Warn("membership: restart-delayed-event endpoint unsupported, giving up on the safety net")
			return scheduler.Update{}, nil
		}
		switch outcome, wait := m.classify(scheduler.RestartDelayedEvent, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.RestartDelayedEvent}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}

	m.resetRetryCounters(scheduler.RestartDelayedEvent)
	m.mu.Lock()
	m.expectedServerLeaveTS = m.clock.Now().Add(m.delayMs)
	m.mu.Unlock()
	m.setProbablyLeft(false)

	return scheduler.Update{Insert: []scheduler.Action{
		{At: m.clock.Now().Add(m.tunables.DelayedLeaveEventRestart), Type: scheduler.RestartDelayedEvent},
	}}, nil
}

func (m *Manager) handleUpdateExpiry(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	iterations := m.expireIterations
	fact := m.buildFact()
	fact.Expires = m.tunables.MembershipEventExpiry.Milliseconds() * int64(iterations+1)
	stateKey := m.stateKey()
	m.mu.Unlock()

	if err := m.stateSender.SendStateEvent(ctx, m.roomID, rtcMemberEventType, stateKey, fact); err != nil {
		switch outcome, wait := m.classify(scheduler.UpdateExpiry, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.UpdateExpiry}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}
	m.resetRetryCounters(scheduler.UpdateExpiry)

	m.mu.Lock()
	m.expireIterations = iterations + 1
	next := iterations + 1
	m.mu.Unlock()

	return scheduler.Update{Insert: []scheduler.Action{
		{At: m.nextExpiryAction(next + 1), Type: scheduler.UpdateExpiry},
	}}, nil
}

func (m *Manager) handleSendScheduledDelayedLeaveEvent(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	hasEvent := m.hasMemberStateEvent
	delayID := m.delayID
	m.mu.Unlock()

	if !hasEvent {
		return scheduler.Update{}, nil
	}

	if delayID == "" {
		return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendLeaveEvent}}}, nil
	}

	err := m.delayedClient.SendDelayedNow(ctx, delayID)
	if err != nil {
		if rtcerr.IsNotFound(err) || rtcerr.IsUnsupportedEndpoint(err) {
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now(), Type: scheduler.SendLeaveEvent}}}, nil
		}
		switch outcome, wait := m.classify(scheduler.SendScheduledDelayedLeaveEvent, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.SendScheduledDelayedLeaveEvent}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}

	m.mu.Lock()
	m.hasMemberStateEvent = false
	m.delayID = ""
	m.mu.Unlock()
	return scheduler.Update{}, nil
}

func (m *Manager) handleSendLeaveEvent(ctx context.Context) (scheduler.Update, error) {
	m.mu.Lock()
	stateKey := m.stateKey()
	m.mu.Unlock()

	if err := m.stateSender.SendStateEvent(ctx, m.roomID, rtcMemberEventType, stateKey, map[string]any{}); err != nil {
		switch outcome, wait := m.classify(scheduler.SendLeaveEvent, err); outcome {
		case retryAfterDelay:
			return scheduler.Update{Insert: []scheduler.Action{{At: m.clock.Now().Add(wait), Type: scheduler.SendLeaveEvent}}}, nil
		default:
			return scheduler.Update{}, err
		}
	}

	m.mu.Lock()
	m.hasMemberStateEvent = false
	m.delayID = ""
	m.mu.Unlock()
	return scheduler.Update{}, nil
}
