package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/go-matrixrtc/common/trace"
	"github.com/bdobrica/go-matrixrtc/rtc/rtcerr"
	"github.com/bdobrica/go-matrixrtc/rtc/scheduler"
)

// handle dispatches one scheduler action to its state-machine handler. It is
// registered as the scheduler.Handler for this manager's Scheduler.
func (m *Manager) handle(ctx context.Context, action scheduler.Action) (scheduler.Update, error) {
	var upd scheduler.Update
	var err error

	switch action.Type {
	case scheduler.SendDelayedEvent:
		upd, err = m.handleSendDelayedEvent(ctx)
	case scheduler.SendJoinEvent:
		upd, err = m.handleSendJoinEvent(ctx)
	case scheduler.RestartDelayedEvent:
		upd, err = m.handleRestartDelayedEvent(ctx)
	case scheduler.UpdateExpiry:
		upd, err = m.handleUpdateExpiry(ctx)
	case scheduler.SendScheduledDelayedLeaveEvent:
		upd, err = m.handleSendScheduledDelayedLeaveEvent(ctx)
	case scheduler.SendLeaveEvent:
		upd, err = m.handleSendLeaveEvent(ctx)
	default:
		return upd, fmt.Errorf("membership: unknown action type %v", action.Type)
	}

	if err != nil {
		m.log.Error("membership: action failed", "trace_id", trace.FromContext(ctx), "action", action.Type.String(), "err", err)
		if m.onError != nil {
			m.onError(err)
		}
	}
	return upd, err
}

// --- retry bookkeeping -----------------------------------------------------

// retryOutcome tells the caller what to do after classifying an error.
type retryOutcome int

const (
	retryNone retryOutcome = iota
	retryAfterDelay
	retryFatal
)

// classify inspects err against the rtcerr taxonomy and the per-action-type
// retry counters, returning what the caller should do and, for
// retryAfterDelay, how long to wait.
func (m *Manager) classify(actionType scheduler.ActionType, err error) (retryOutcome, time.Duration) {
	if err == nil {
		return retryNone, 0
	}

	if rl, ok := rtcerr.IsRateLimit(err); ok {
		m.mu.Lock()
		m.rateLimitRetries[actionType]++
		n := m.rateLimitRetries[actionType]
		m.mu.Unlock()
		if n > m.tunables.MaximumRateLimitRetryCount {
			return retryFatal, 0
		}
		return retryAfterDelay, rl.RetryAfter
	}

	if rtcerr.IsTransientNetwork(err) {
		m.mu.Lock()
		m.networkErrorRetries[actionType]++
		n := m.networkErrorRetries[actionType]
		m.mu.Unlock()
		if n > m.tunables.MaximumNetworkErrorRetryCount {
			return retryFatal, 0
		}
		return retryAfterDelay, m.tunables.NetworkErrorRetry
	}

	return retryFatal, 0
}

func (m *Manager) resetRetryCounters(actionType scheduler.ActionType) {
	m.mu.Lock()
	m.rateLimitRetries[actionType] = 0
	m.networkErrorRetries[actionType] = 0
	m.mu.Unlock()
}
