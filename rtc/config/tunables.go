// Package config loads the tunable timing parameters that drive the
// membership and encryption managers. Layering follows the same shape as
// the rest of this codebase's configuration: compiled-in defaults, an
// optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/go-matrixrtc/common/environment"
)

// Tunables holds every timing parameter named in the external interfaces
// table. Durations are stored as time.Duration; the YAML/env representation
// uses Go duration strings (e.g. "4h", "500ms").
type Tunables struct {
	MembershipEventExpiry               time.Duration `yaml:"membership_event_expiry"`
	MembershipEventExpiryHeadroom       time.Duration `yaml:"membership_event_expiry_headroom"`
	DelayedLeaveEventDelay              time.Duration `yaml:"delayed_leave_event_delay"`
	DelayedLeaveEventRestart            time.Duration `yaml:"delayed_leave_event_restart"`
	DelayedLeaveEventRestartLocalTimeout time.Duration `yaml:"delayed_leave_event_restart_local_timeout"`
	NetworkErrorRetry                   time.Duration `yaml:"network_error_retry"`
	MaximumRateLimitRetryCount          int           `yaml:"maximum_rate_limit_retry_count"`
	MaximumNetworkErrorRetryCount       int           `yaml:"maximum_network_error_retry_count"`
	UseKeyDelay                         time.Duration `yaml:"use_key_delay"`
	KeyRotationGracePeriod              time.Duration `yaml:"key_rotation_grace_period"`
	KeyBufferTTL                        time.Duration `yaml:"key_buffer_ttl"`
	StickyDuration                      time.Duration `yaml:"sticky_duration"`
}

// Default returns the tunables with the defaults from the external
// interfaces table.
func Default() Tunables {
	return Tunables{
		MembershipEventExpiry:               4 * time.Hour,
		MembershipEventExpiryHeadroom:       5 * time.Second,
		DelayedLeaveEventDelay:              8 * time.Second,
		DelayedLeaveEventRestart:            5 * time.Second,
		DelayedLeaveEventRestartLocalTimeout: 2 * time.Second,
		NetworkErrorRetry:                   3 * time.Second,
		MaximumRateLimitRetryCount:          10,
		MaximumNetworkErrorRetryCount:       10,
		UseKeyDelay:                         1 * time.Second,
		KeyRotationGracePeriod:              10 * time.Second,
		KeyBufferTTL:                        1 * time.Second,
		StickyDuration:                      60 * time.Minute,
	}
}

// Load builds Tunables from defaults, an optional YAML file at path
// (skipped entirely if path is empty or the file does not exist), and
// finally environment variable overrides (RTC_* names).
func Load(path string) (Tunables, error) {
	t := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &t); err != nil {
				return Tunables{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no file is not an error; fall through to env overrides
		default:
			return Tunables{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	t.MembershipEventExpiry = environment.DurationOr("RTC_MEMBERSHIP_EVENT_EXPIRY", t.MembershipEventExpiry)
	t.MembershipEventExpiryHeadroom = environment.DurationOr("RTC_MEMBERSHIP_EVENT_EXPIRY_HEADROOM", t.MembershipEventExpiryHeadroom)
	t.DelayedLeaveEventDelay = environment.DurationOr("RTC_DELAYED_LEAVE_EVENT_DELAY", t.DelayedLeaveEventDelay)
	t.DelayedLeaveEventRestart = environment.DurationOr("RTC_DELAYED_LEAVE_EVENT_RESTART", t.DelayedLeaveEventRestart)
	t.DelayedLeaveEventRestartLocalTimeout = environment.DurationOr("RTC_DELAYED_LEAVE_EVENT_RESTART_LOCAL_TIMEOUT", t.DelayedLeaveEventRestartLocalTimeout)
	t.NetworkErrorRetry = environment.DurationOr("RTC_NETWORK_ERROR_RETRY", t.NetworkErrorRetry)
	t.MaximumRateLimitRetryCount = environment.IntOr("RTC_MAXIMUM_RATE_LIMIT_RETRY_COUNT", t.MaximumRateLimitRetryCount)
	t.MaximumNetworkErrorRetryCount = environment.IntOr("RTC_MAXIMUM_NETWORK_ERROR_RETRY_COUNT", t.MaximumNetworkErrorRetryCount)
	t.UseKeyDelay = environment.DurationOr("RTC_USE_KEY_DELAY", t.UseKeyDelay)
	t.KeyRotationGracePeriod = environment.DurationOr("RTC_KEY_ROTATION_GRACE_PERIOD", t.KeyRotationGracePeriod)
	t.KeyBufferTTL = environment.DurationOr("RTC_KEY_BUFFER_TTL", t.KeyBufferTTL)
	t.StickyDuration = environment.DurationOr("RTC_STICKY_DURATION", t.StickyDuration)

	return t, nil
}
