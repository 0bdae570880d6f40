// Package matrixadapter maps the membership manager, encryption manager, and
// key transports onto a real Matrix homeserver via maunium.net/go/mautrix.
// The rest of the rtc packages only depend on the interfaces declared here,
// never on *mautrix.Client directly, so tests substitute fakes.
package matrixadapter

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// StateEventSender publishes room state, used to publish/refresh/clear
// membership facts.
type StateEventSender interface {
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) error
}

// ToDeviceSender delivers an encrypted-at-transport-layer event directly to
// one device, used by the per-device key transport.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, eventType string, userID id.UserID, deviceID id.DeviceID, content any) error
}

// RoomMessageSender publishes a room message event, used by the
// room-broadcast key transport.
type RoomMessageSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) error
}

// DelayedEventClient wraps the MSC4140 delayed-events endpoints the
// membership manager needs: scheduling a future empty-content state event,
// restarting its countdown, firing it immediately, and cancelling it.
type DelayedEventClient interface {
	ScheduleDelayedState(ctx context.Context, roomID id.RoomID, stateKey string, eventType string, delay time.Duration, content any) (delayID string, err error)
	RestartDelayed(ctx context.Context, delayID string) error
	SendDelayedNow(ctx context.Context, delayID string) error
	CancelDelayed(ctx context.Context, delayID string) error
}
