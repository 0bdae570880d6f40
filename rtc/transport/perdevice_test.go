package transport_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/go-matrixrtc/common/clock"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
	"github.com/bdobrica/go-matrixrtc/rtc/transport"
)

type toDeviceCall struct {
	eventType string
	userID    id.UserID
	deviceID  id.DeviceID
	content   any
}

type fakeToDeviceSender struct {
	mu    sync.Mutex
	calls []toDeviceCall
}

func (f *fakeToDeviceSender) SendToDevice(ctx context.Context, eventType string, userID id.UserID, deviceID id.DeviceID, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toDeviceCall{eventType, userID, deviceID, content})
	return nil
}

func (f *fakeToDeviceSender) Calls() []toDeviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toDeviceCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeToDeviceSyncer struct {
	handler func(userID id.UserID, deviceID id.DeviceID, content json.RawMessage)
}

func (f *fakeToDeviceSyncer) OnToDeviceEvent(eventType string, handler func(userID id.UserID, deviceID id.DeviceID, content json.RawMessage)) {
	f.handler = handler
}

func TestPerDeviceSendKeyFansOutToEachMember(t *testing.T) {
	sender := &fakeToDeviceSender{}
	syncer := &fakeToDeviceSyncer{}
	roomID := id.RoomID("!room:example.org")
	slot := session.Slot{Application: "m.call", CallID: ""}

	fakeClock := clock.NewFake(time.Unix(1700000000, 0))
	tr := transport.NewPerDevice(sender, syncer, roomID, slot, fakeClock, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a := session.ParticipantID{UserID: "@a:example.org", DeviceID: "A"}
	b := session.ParticipantID{UserID: "@b:example.org", DeviceID: "B"}

	if failed, err := tr.SendKey(context.Background(), "a2V5", 3, []session.ParticipantID{a, b}); err != nil || len(failed) != 0 {
		t.Fatalf("SendKey: failed=%v err=%v", failed, err)
	}

	calls := sender.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 to-device sends, got %d", len(calls))
	}
	if calls[0].userID != id.UserID(a.UserID) || calls[1].userID != id.UserID(b.UserID) {
		t.Fatalf("unexpected send targets: %+v", calls)
	}
	wantTS := fakeClock.Now().UnixMilli()
	for i, c := range calls {
		raw, ok := c.content.(json.RawMessage)
		if !ok {
			t.Fatalf("call %d: content is %T, want json.RawMessage", i, c.content)
		}
		if got := gjson.GetBytes(raw, "sent_ts").Int(); got != wantTS {
			t.Fatalf("call %d: sent_ts = %d, want %d", i, got, wantTS)
		}
	}
}

func TestPerDeviceSendKeyEmptyMembersIsNoop(t *testing.T) {
	sender := &fakeToDeviceSender{}
	syncer := &fakeToDeviceSyncer{}
	tr := transport.NewPerDevice(sender, syncer, id.RoomID("!room:example.org"), session.Slot{}, nil, nil)

	if failed, err := tr.SendKey(context.Background(), "a2V5", 0, nil); err != nil || len(failed) != 0 {
		t.Fatalf("expected no error/failures for empty member list, got failed=%v err=%v", failed, err)
	}
	if len(sender.Calls()) != 0 {
		t.Fatalf("expected no sends for an empty member list")
	}
}

func TestPerDeviceReceivesValidKey(t *testing.T) {
	sender := &fakeToDeviceSender{}
	syncer := &fakeToDeviceSyncer{}
	roomID := id.RoomID("!room:example.org")
	slot := session.Slot{Application: "m.call", CallID: ""}

	tr := transport.NewPerDevice(sender, syncer, roomID, slot, nil, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw := json.RawMessage(`{
		"room_id": "!room:example.org",
		"sent_ts": 42,
		"keys": {"index": 1, "key": "a2V5"},
		"member": {"claimed_device_id": "DEV1"},
		"session": {"application": "m.call", "call_id": "", "scope": "m.room"}
	}`)
	syncer.handler(id.UserID("@other:example.org"), id.DeviceID("DEV1"), raw)

	select {
	case rk := <-tr.Received():
		if rk.Index != 1 || rk.KeyBase64 != "a2V5" || rk.Participant.UserID != "@other:example.org" {
			t.Fatalf("unexpected received key: %+v", rk)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for received key")
	}
}

func TestPerDeviceDropsKeyForDifferentRoom(t *testing.T) {
	sender := &fakeToDeviceSender{}
	syncer := &fakeToDeviceSyncer{}
	tr := transport.NewPerDevice(sender, syncer, id.RoomID("!room:example.org"), session.Slot{}, nil, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw := json.RawMessage(`{
		"room_id": "!other-room:example.org",
		"keys": {"index": 0, "key": "a2V5"},
		"member": {"claimed_device_id": "DEV1"},
		"session": {"application": "m.call", "call_id": "", "scope": "m.room"}
	}`)
	syncer.handler(id.UserID("@other:example.org"), id.DeviceID("DEV1"), raw)

	select {
	case rk := <-tr.Received():
		t.Fatalf("expected no received key for a mismatched room, got %+v", rk)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerDeviceStopClosesReceivedChannel(t *testing.T) {
	sender := &fakeToDeviceSender{}
	syncer := &fakeToDeviceSyncer{}
	tr := transport.NewPerDevice(sender, syncer, id.RoomID("!room:example.org"), session.Slot{}, nil, nil)
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := <-tr.Received(); ok {
		t.Fatalf("expected Received() channel to be closed after Stop")
	}
}
