package scheduler

import (
	"testing"
	"time"
)

func TestStatusDerivation(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		running bool
		pending []Action
		want    Status
	}{
		{"not running", false, nil, Disconnected},
		{"empty but running", true, nil, Disconnected},
		{"connecting via SendDelayedEvent", true, []Action{{now, SendDelayedEvent}}, Connecting},
		{"connecting via SendJoinEvent", true, []Action{{now, SendJoinEvent}}, Connecting},
		{"connected", true, []Action{{now, UpdateExpiry}, {now, RestartDelayedEvent}}, Connected},
		{"disconnecting via scheduled leave", true, []Action{{now, SendScheduledDelayedLeaveEvent}}, Disconnecting},
		{"disconnecting via leave", true, []Action{{now, SendLeaveEvent}}, Disconnecting},
		{"unknown: restart alone", true, []Action{{now, RestartDelayedEvent}}, StatusUnknown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := New(nil, nil)
			s.running = c.running
			s.pending = c.pending
			if got := s.Status(); got != c.want {
				t.Fatalf("Status() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestRemoveActionRemovesOnlyFirstMatch(t *testing.T) {
	now := time.Now()
	a := Action{now, SendJoinEvent}
	b := Action{now.Add(time.Second), SendJoinEvent}

	out := removeAction([]Action{a, b}, a)
	if len(out) != 1 || out[0] != b {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestActionTypeString(t *testing.T) {
	if SendDelayedEvent.String() != "SendDelayedEvent" {
		t.Fatalf("unexpected String(): %s", SendDelayedEvent.String())
	}
	if ActionType(99).String() != "Unknown" {
		t.Fatalf("expected Unknown for out-of-range action type")
	}
}
