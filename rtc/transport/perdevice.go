package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/go-matrixrtc/common/clock"
	"github.com/bdobrica/go-matrixrtc/rtc/matrixadapter"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
)

const toDeviceKeyEventType = "io.element.call.encryption_keys"

// Syncer is the minimal subset of a sync loop this transport needs: a way to
// register a callback for inbound to-device events of a given type. The host
// application's sync loop (out of scope for this library) is expected to
// call the registered handler as events arrive.
type Syncer interface {
	OnToDeviceEvent(eventType string, handler func(userID id.UserID, deviceID id.DeviceID, content json.RawMessage))
}

// PerDevice is the direct to-device key transport.
type PerDevice struct {
	sender matrixadapter.ToDeviceSender
	syncer Syncer
	roomID id.RoomID
	slot   session.Slot
	clock  clock.Clock
	log    *slog.Logger

	mu       sync.Mutex
	received chan ReceivedKey
	stopped  bool
}

// NewPerDevice constructs a per-device key transport scoped to roomID/slot.
// clk may be nil for the real clock.
func NewPerDevice(sender matrixadapter.ToDeviceSender, syncer Syncer, roomID id.RoomID, slot session.Slot, clk clock.Clock, log *slog.Logger) *PerDevice {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PerDevice{
		sender:   sender,
		syncer:   syncer,
		roomID:   roomID,
		slot:     slot,
		clock:    clk,
		log:      log,
		received: make(chan ReceivedKey, 32),
	}
}

func (t *PerDevice) Start(ctx context.Context) error {
	t.syncer.OnToDeviceEvent(toDeviceKeyEventType, t.handleToDevice)
	return nil
}

func (t *PerDevice) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.received)
	}
	return nil
}

func (t *PerDevice) Received() <-chan ReceivedKey { return t.received }

func (t *PerDevice) SendKey(ctx context.Context, keyBase64 string, index int, members []session.ParticipantID) ([]session.ParticipantID, error) {
	if len(members) == 0 {
		return nil, nil
	}
	base := []byte(`{}`)
	fields := []struct{ path string; val any }{
		{"keys.index", index},
		{"keys.key", keyBase64},
		{"room_id", t.roomID.String()},
		{"session.application", t.slot.Application},
		{"session.call_id", t.slot.CallID},
		{"session.scope", "m.room"},
		{"sent_ts", t.clock.Now().UnixMilli()},
	}
	for _, f := range fields {
		var err error
		base, err = sjson.SetBytes(base, f.path, f.val)
		if err != nil {
			return members, fmt.Errorf("transport: build per-device payload: %w", err)
		}
	}

	var failed []session.ParticipantID
	var firstErr error
	for _, m := range members {
		content, err := sjson.SetBytes(base, "member.claimed_device_id", m.DeviceID)
		if err != nil {
			t.log.Warn("transport: failed to build per-device payload", "participant", m.String(), "err", err)
			failed = append(failed, m)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		content, err = sjson.SetBytes(content, "m\\.transaction_id", uuid.NewString())
		if err != nil {
			t.log.Warn("transport: failed to build per-device payload", "participant", m.String(), "err", err)
			failed = append(failed, m)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := t.sender.SendToDevice(ctx, toDeviceKeyEventType, id.UserID(m.UserID), id.DeviceID(m.DeviceID), json.RawMessage(content)); err != nil {
			t.log.Warn("transport: failed to send key to device", "participant", m.String(), "err", err)
			failed = append(failed, m)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return failed, firstErr
}

func (t *PerDevice) handleToDevice(userID id.UserID, deviceID id.DeviceID, raw json.RawMessage) {
	if _, err := validatePayload(perDeviceSchema, raw); err != nil {
		t.log.Warn("transport: dropping malformed per-device key payload", "err", err)
		return
	}

	if gjson.GetBytes(raw, "room_id").String() != t.roomID.String() {
		t.log.Warn("transport: dropping per-device key payload for a different room")
		return
	}
	index := gjson.GetBytes(raw, "keys.index")
	if !index.Exists() {
		t.log.Warn("transport: dropping per-device key payload missing keys.index")
		return
	}
	key := gjson.GetBytes(raw, "keys.key").String()
	sentTS := gjson.GetBytes(raw, "sent_ts").Int()

	rk := ReceivedKey{
		Participant: session.ParticipantID{UserID: string(userID), DeviceID: string(deviceID)},
		KeyBase64:   key,
		Index:       int(index.Int()),
		SentTS:      sentTS,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.received <- rk:
	default:
		t.log.Warn("transport: received-key channel full, dropping", "participant", rk.Participant.String())
	}
}
