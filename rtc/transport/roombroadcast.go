package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/go-matrixrtc/common/clock"
	"github.com/bdobrica/go-matrixrtc/rtc/matrixadapter"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
)

const roomKeyEventType = "io.element.call.encryption_keys"

// RoomEventSyncer registers a callback for message events of a given type in
// a specific room, mirroring the to-device Syncer interface. Decryption is
// done by the host application's sync loop before the handler fires, and a
// decryption failure is passed as decryptErr. On a non-nil decryptErr the
// transport waits one second and then handles the same content once more;
// it does not ask the host to decrypt the event again.
type RoomEventSyncer interface {
	OnRoomMessageEvent(roomID id.RoomID, eventType string, handler func(sender id.UserID, content json.RawMessage, decryptErr error))
}

// RoomBroadcast is the room-wide key transport: a single room event visible
// to every room member, ignoring the per-call SendKey member list.
type RoomBroadcast struct {
	sender     matrixadapter.RoomMessageSender
	syncer     RoomEventSyncer
	roomID     id.RoomID
	slot       session.Slot
	selfUser   id.UserID
	selfDevice id.DeviceID
	clock      clock.Clock
	log        *slog.Logger

	mu       sync.Mutex
	received chan ReceivedKey
	stopped  bool
}

// NewRoomBroadcast constructs a room-broadcast key transport. selfDevice is
// stamped into every outgoing payload's device_id field so recipients can
// tell apart multiple devices of the same user sharing the room. clk may be
// nil for the real clock.
func NewRoomBroadcast(sender matrixadapter.RoomMessageSender, syncer RoomEventSyncer, roomID id.RoomID, slot session.Slot, selfUser id.UserID, selfDevice id.DeviceID, clk clock.Clock, log *slog.Logger) *RoomBroadcast {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RoomBroadcast{
		sender:     sender,
		syncer:     syncer,
		roomID:     roomID,
		slot:       slot,
		selfUser:   selfUser,
		selfDevice: selfDevice,
		clock:      clk,
		log:        log,
		received:   make(chan ReceivedKey, 32),
	}
}

func (t *RoomBroadcast) Start(ctx context.Context) error {
	t.syncer.OnRoomMessageEvent(t.roomID, roomKeyEventType, func(sender id.UserID, content json.RawMessage, decryptErr error) {
		if decryptErr != nil {
			time.AfterFunc(time.Second, func() {
				t.handle(sender, content, nil)
			})
			return
		}
		t.handle(sender, content, nil)
	})
	return nil
}

func (t *RoomBroadcast) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.received)
	}
	return nil
}

func (t *RoomBroadcast) Received() <-chan ReceivedKey { return t.received }

// SendKey ignores the member list: a single room-wide event reaches every
// room member regardless of who is currently listed as a target. On
// failure every listed member is reported as failed, since a broadcast is
// all-or-nothing and there is no per-member delivery to partially succeed.
func (t *RoomBroadcast) SendKey(ctx context.Context, keyBase64 string, index int, members []session.ParticipantID) ([]session.ParticipantID, error) {
	content := map[string]any{
		"keys":      []map[string]any{{"index": index, "key": keyBase64}},
		"device_id": t.selfDevice.String(),
		"call_id":   t.slot.CallID,
		"sent_ts":   t.clock.Now().UnixMilli(),
	}
	if err := t.sender.SendMessageEvent(ctx, t.roomID, roomKeyEventType, content); err != nil {
		return members, err
	}
	return nil, nil
}

func (t *RoomBroadcast) handle(sender id.UserID, raw json.RawMessage, _ error) {
	if sender == t.selfUser {
		return
	}
	if gjson.GetBytes(raw, "call_id").String() != t.slot.CallID {
		return
	}
	if _, err := validatePayload(roomBroadcastSchema, raw); err != nil {
		t.log.Warn("transport: dropping malformed room-broadcast key payload", "err", err)
		return
	}

	deviceID := gjson.GetBytes(raw, "device_id").String()
	sentTS := gjson.GetBytes(raw, "sent_ts").Int()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	for _, k := range gjson.GetBytes(raw, "keys").Array() {
		rk := ReceivedKey{
			Participant: session.ParticipantID{UserID: string(sender), DeviceID: deviceID},
			KeyBase64:   k.Get("key").String(),
			Index:       int(k.Get("index").Int()),
			SentTS:      sentTS,
		}
		select {
		case t.received <- rk:
		default:
			t.log.Warn("transport: received-key channel full, dropping", "participant", rk.Participant.String())
		}
	}
}
