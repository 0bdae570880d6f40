// Package transport implements the key transport abstraction: delivering an
// encoded media key to a set of participant devices, and receiving inbound
// keys from other participants. Two interchangeable implementations are
// provided (per-device to-device delivery, room-broadcast state/message
// delivery) plus a composite that multiplexes both.
package transport

import (
	"context"

	"github.com/bdobrica/go-matrixrtc/rtc/session"
)

// ReceivedKey is delivered to a Transport's subscriber for each inbound key.
type ReceivedKey struct {
	Participant session.ParticipantID
	KeyBase64   string
	Index       int
	SentTS      int64
}

// Transport is the capability set the encryption manager depends on. Start
// and Stop bracket subscription to the underlying delivery mechanism;
// SendKey delivers to exactly the listed members (an empty list is a no-op;
// RoomBroadcast ignores the list and always sends one room event) and
// reports which of those members it failed to reach, so the caller can
// retarget them on the next cycle instead of wrongly treating them as
// shared-with; received keys are pushed to the channel returned by
// Received.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	SendKey(ctx context.Context, keyBase64 string, index int, members []session.ParticipantID) (failed []session.ParticipantID, err error)
	Received() <-chan ReceivedKey
}
