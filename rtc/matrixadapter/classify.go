package matrixadapter

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"

	"github.com/bdobrica/go-matrixrtc/rtc/rtcerr"
)

// classifyError maps a mautrix client error onto the rtcerr taxonomy the
// membership manager's state machine dispatches on. Unrecognized errors are
// returned unchanged, which the caller treats as fatal.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			return &rtcerr.TransientNetworkError{Err: err}
		}
		return err
	}

	resp := httpErr.RespError
	if resp == nil {
		// No structured Matrix error body: treat as a transient transport
		// failure (dropped connection, 5xx with no JSON body, timeout).
		return &rtcerr.TransientNetworkError{Err: err}
	}
	if httpErr.Response != nil && httpErr.Response.StatusCode >= 500 {
		return &rtcerr.TransientNetworkError{Err: err}
	}

	switch resp.ErrCode {
	case mautrix.MLimitExceeded.ErrCode:
		return &rtcerr.RateLimitError{RetryAfter: retryAfter(resp.ExtraData), Err: err}
	case mautrix.MNotFound.ErrCode:
		return &rtcerr.NotFoundError{Err: err}
	case mautrix.MUnrecognized.ErrCode:
		return &rtcerr.UnsupportedEndpointError{Err: err}
	case mautrix.MUnknown.ErrCode:
		if maxDelay, ok := msc4140MaxDelay(resp.ExtraData); ok {
			return &rtcerr.MaxDelayExceededError{MaxDelay: maxDelay, Err: err}
		}
	}
	return err
}

// retryAfter extracts a "retry_after_ms" field from a rate-limit error's
// extra data, defaulting to 5s when absent (per the membership manager's
// documented default backoff for rate limiting).
func retryAfter(extra map[string]interface{}) time.Duration {
	raw, err := json.Marshal(extra)
	if err != nil {
		return 5 * time.Second
	}
	if ms := gjson.GetBytes(raw, "retry_after_ms"); ms.Exists() {
		return time.Duration(ms.Int()) * time.Millisecond
	}
	return 5 * time.Second
}

// msc4140MaxDelay digs the MSC4140 nested error fields out of an M_UNKNOWN
// error's extra data: {"org.matrix.msc4140.errcode": "M_MAX_DELAY_EXCEEDED",
// "org.matrix.msc4140.max_delay": <ms>}.
func msc4140MaxDelay(extra map[string]interface{}) (time.Duration, bool) {
	raw, err := json.Marshal(extra)
	if err != nil {
		return 0, false
	}
	if gjson.GetBytes(raw, `org\.matrix\.msc4140\.errcode`).Str != "M_MAX_DELAY_EXCEEDED" {
		return 0, false
	}
	maxDelay := gjson.GetBytes(raw, `org\.matrix\.msc4140\.max_delay`)
	if !maxDelay.Exists() {
		return 0, false
	}
	return time.Duration(maxDelay.Int()) * time.Millisecond, true
}
