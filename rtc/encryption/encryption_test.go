package encryption_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/go-matrixrtc/rtc/config"
	"github.com/bdobrica/go-matrixrtc/rtc/encryption"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
	"github.com/bdobrica/go-matrixrtc/rtc/transport"
)

type sendCall struct {
	keyBase64 string
	index     int
	members   []session.ParticipantID
}

// fakeTransport implements transport.Transport for tests: SendKey just
// records the call, and Received() returns a channel the test can push
// synthetic inbound keys onto (never used by these tests, which exercise
// OnNewKeyReceived directly instead).
type fakeTransport struct {
	mu       sync.Mutex
	sends    []sendCall
	received chan transport.ReceivedKey

	// failFor, when non-nil, marks the listed participants as failed on
	// every SendKey call without affecting the others.
	failFor map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{received: make(chan transport.ReceivedKey)}
}

func (f *fakeTransport) Start(ctx context.Context) error               { return nil }
func (f *fakeTransport) Stop() error                                   { return nil }
func (f *fakeTransport) Received() <-chan transport.ReceivedKey        { return f.received }

func (f *fakeTransport) SendKey(ctx context.Context, keyBase64 string, index int, members []session.ParticipantID) ([]session.ParticipantID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{keyBase64, index, members})

	var failed []session.ParticipantID
	for _, m := range members {
		if f.failFor != nil && f.failFor[m.String()] {
			failed = append(failed, m)
		}
	}
	if len(failed) > 0 {
		return failed, fmt.Errorf("fakeTransport: send failed for %d member(s)", len(failed))
	}
	return nil, nil
}

func (f *fakeTransport) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.sends))
	copy(out, f.sends)
	return out
}

func TestRolloutRotatesOnLeaverAndSharesOnJoinerWithinGrace(t *testing.T) {
	tun := config.Default()
	tun.UseKeyDelay = 0
	tun.KeyRotationGracePeriod = time.Hour // force the joiner path to reuse the key

	ft := newFakeTransport()
	self := session.ParticipantID{UserID: "@self:example.org", DeviceID: "SELF"}
	a := session.ParticipantID{UserID: "@a:example.org", DeviceID: "A"}
	b := session.ParticipantID{UserID: "@b:example.org", DeviceID: "B"}
	c := session.ParticipantID{UserID: "@c:example.org", DeviceID: "C"}

	localKeyCh := make(chan int, 8)
	mgr := encryption.New(ft, self, tun, nil, nil, func(key []byte, keyID int) {
		localKeyCh <- keyID
	})

	ctx := context.Background()
	if err := mgr.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// A and B join: sharedWith starts empty, so both are new targets; nothing
	// has "left", so no rotation occurs.
	mgr.OnMembershipsUpdate(ctx, []encryption.MembershipInfo{
		{Participant: a, MembershipTS: 1},
		{Participant: b, MembershipTS: 1},
	})
	waitForSends(t, ft, 1)

	calls := ft.Calls()
	if len(calls) != 1 || calls[0].index != 0 {
		t.Fatalf("expected a single send of key index 0, got %+v", calls)
	}

	// C joins within the grace period: key is shared with C only, no rotation.
	mgr.OnMembershipsUpdate(ctx, []encryption.MembershipInfo{
		{Participant: a, MembershipTS: 1},
		{Participant: b, MembershipTS: 1},
		{Participant: c, MembershipTS: 2},
	})
	waitForSends(t, ft, 2)

	calls = ft.Calls()
	last := calls[len(calls)-1]
	if last.index != 0 {
		t.Fatalf("expected joiner-within-grace to reuse key index 0, got %d", last.index)
	}
	if len(last.members) != 1 || last.members[0] != c {
		t.Fatalf("expected joiner-within-grace to target only the new joiner, got %+v", last.members)
	}

	// B leaves: rotate to a new key id and re-share with the remaining set.
	mgr.OnMembershipsUpdate(ctx, []encryption.MembershipInfo{
		{Participant: a, MembershipTS: 1},
		{Participant: c, MembershipTS: 2},
	})
	waitForSends(t, ft, 3)

	calls = ft.Calls()
	last = calls[len(calls)-1]
	if last.index != 1 {
		t.Fatalf("expected rotation to key index 1 after a leaver, got %d", last.index)
	}
	if len(last.members) != 2 {
		t.Fatalf("expected rotation to re-share with the full remaining set, got %+v", last.members)
	}

	select {
	case keyID := <-localKeyCh:
		if keyID != 1 {
			t.Fatalf("expected local key notification for key id 1, got %d", keyID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for local key notification after rotation")
	}
}

func TestRolloutRetargetsParticipantAfterSendFailure(t *testing.T) {
	tun := config.Default()
	tun.UseKeyDelay = 0
	tun.KeyRotationGracePeriod = time.Hour

	ft := newFakeTransport()
	self := session.ParticipantID{UserID: "@self:example.org", DeviceID: "SELF"}
	a := session.ParticipantID{UserID: "@a:example.org", DeviceID: "A"}
	b := session.ParticipantID{UserID: "@b:example.org", DeviceID: "B"}
	c := session.ParticipantID{UserID: "@c:example.org", DeviceID: "C"}

	ft.failFor = map[string]bool{b.String(): true}

	mgr := encryption.New(ft, self, tun, nil, nil, nil)
	ctx := context.Background()
	if err := mgr.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// a and b both join; the send to b fails, so b must not be recorded as
	// shared-with even though it was part of the cycle's target set.
	mgr.OnMembershipsUpdate(ctx, []encryption.MembershipInfo{
		{Participant: a, MembershipTS: 1},
		{Participant: b, MembershipTS: 1},
	})
	waitForSends(t, ft, 1)

	calls := ft.Calls()
	if len(calls[0].members) != 2 {
		t.Fatalf("expected the first cycle to target both a and b, got %+v", calls[0].members)
	}

	// Sends now succeed. C joins; since b was never actually shared with, it
	// must be retargeted alongside c on this next cycle rather than being
	// silently treated as already caught up.
	ft.mu.Lock()
	ft.failFor = nil
	ft.mu.Unlock()

	mgr.OnMembershipsUpdate(ctx, []encryption.MembershipInfo{
		{Participant: a, MembershipTS: 1},
		{Participant: b, MembershipTS: 1},
		{Participant: c, MembershipTS: 2},
	})
	waitForSends(t, ft, 2)

	calls = ft.Calls()
	last := calls[len(calls)-1]
	if last.index != 0 {
		t.Fatalf("expected no rotation (no leaver occurred), got index %d", last.index)
	}
	targeted := map[session.ParticipantID]bool{}
	for _, p := range last.members {
		targeted[p] = true
	}
	if !targeted[b] || !targeted[c] {
		t.Fatalf("expected the retry cycle to retarget both the previously-failed b and the new joiner c, got %+v", last.members)
	}
	if targeted[a] {
		t.Fatalf("expected a, already successfully shared with, not to be retargeted, got %+v", last.members)
	}
}

func TestOnNewKeyReceivedFiltersOutOfOrder(t *testing.T) {
	tun := config.Default()
	ft := newFakeTransport()
	self := session.ParticipantID{UserID: "@self:example.org", DeviceID: "SELF"}
	mgr := encryption.New(ft, self, tun, nil, nil, nil)

	other := session.ParticipantID{UserID: "@other:example.org", DeviceID: "DEV"}
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

	mgr.OnNewKeyReceived(other, key, 0, 100)
	mgr.OnNewKeyReceived(other, key, 0, 90)

	snap := mgr.GetEncryptionKeys()
	entries := snap[other.String()]
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 stored entry after filtering, got %d", len(entries))
	}
	if entries[0].CreationTS != 100 {
		t.Fatalf("expected the ts=100 entry to win, got %d", entries[0].CreationTS)
	}
}

func waitForSends(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ft.Calls()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d SendKey calls, got %d", n, len(ft.Calls()))
}
