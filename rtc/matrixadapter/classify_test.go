package matrixadapter

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"maunium.net/go/mautrix"

	"github.com/bdobrica/go-matrixrtc/rtc/rtcerr"
)

func TestClassifyErrorRateLimit(t *testing.T) {
	err := mautrix.HTTPError{
		Response: &http.Response{StatusCode: 429},
		RespError: &mautrix.RespError{
			ErrCode:   mautrix.MLimitExceeded.ErrCode,
			ExtraData: map[string]interface{}{"retry_after_ms": float64(1500)},
		},
	}

	got := classifyError(err)
	rl, ok := rtcerr.IsRateLimit(got)
	if !ok {
		t.Fatalf("expected a RateLimitError, got %v (%T)", got, got)
	}
	if rl.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("expected RetryAfter=1500ms, got %s", rl.RetryAfter)
	}
}

func TestClassifyErrorNotFound(t *testing.T) {
	err := mautrix.HTTPError{
		Response:  &http.Response{StatusCode: http.StatusNotFound},
		RespError: &mautrix.RespError{ErrCode: mautrix.MNotFound.ErrCode},
	}
	if !rtcerr.IsNotFound(classifyError(err)) {
		t.Fatalf("expected a NotFoundError")
	}
}

func TestClassifyErrorUnrecognizedEndpoint(t *testing.T) {
	err := mautrix.HTTPError{
		Response:  &http.Response{StatusCode: http.StatusNotFound},
		RespError: &mautrix.RespError{ErrCode: mautrix.MUnrecognized.ErrCode},
	}
	if !rtcerr.IsUnsupportedEndpoint(classifyError(err)) {
		t.Fatalf("expected an UnsupportedEndpointError")
	}
}

func TestClassifyErrorMaxDelayExceeded(t *testing.T) {
	err := mautrix.HTTPError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		RespError: &mautrix.RespError{
			ErrCode: mautrix.MUnknown.ErrCode,
			ExtraData: map[string]interface{}{
				"org.matrix.msc4140.errcode":    "M_MAX_DELAY_EXCEEDED",
				"org.matrix.msc4140.max_delay": float64(20000),
			},
		},
	}

	got := classifyError(err)
	md, ok := rtcerr.IsMaxDelayExceeded(got)
	if !ok {
		t.Fatalf("expected a MaxDelayExceededError, got %v (%T)", got, got)
	}
	if md.MaxDelay != 20*time.Second {
		t.Fatalf("expected MaxDelay=20s, got %s", md.MaxDelay)
	}
}

func TestClassifyErrorServerErrorIsTransient(t *testing.T) {
	err := mautrix.HTTPError{
		Response: &http.Response{StatusCode: http.StatusBadGateway},
	}
	if !rtcerr.IsTransientNetwork(classifyError(err)) {
		t.Fatalf("expected a TransientNetworkError for a 5xx with no structured body")
	}
}

func TestClassifyErrorUnrelatedPassesThrough(t *testing.T) {
	base := errors.New("boom")
	if got := classifyError(base); got != base {
		t.Fatalf("expected an unrelated error to pass through unchanged, got %v", got)
	}
}
