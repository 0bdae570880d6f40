// Command rtc-join is a minimal demonstration of wiring the membership and
// encryption managers to a real Matrix homeserver: it logs in, joins an RTC
// slot in one room, and keeps the membership and key distribution alive
// until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/go-matrixrtc/common/environment"
	"github.com/bdobrica/go-matrixrtc/common/redact"
	"github.com/bdobrica/go-matrixrtc/common/version"
	"github.com/bdobrica/go-matrixrtc/rtc/config"
	"github.com/bdobrica/go-matrixrtc/rtc/encryption"
	"github.com/bdobrica/go-matrixrtc/rtc/matrixadapter"
	"github.com/bdobrica/go-matrixrtc/rtc/membership"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
	"github.com/bdobrica/go-matrixrtc/rtc/transport"
)

func main() {
	fmt.Printf("go-matrixrtc\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Println()

	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	roomIDStr, err := environment.RequiredString("MATRIX_ROOM_ID")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	deviceID := environment.StringOr("MATRIX_DEVICE_ID", "RTCJOINDEMO")
	configPath := environment.StringOr("RTC_CONFIG_PATH", "")

	tunables, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create Matrix client: %s\n", redact.String(err.Error(), accessToken))
		os.Exit(1)
	}

	adapter := matrixadapter.New(client, slog.Default())
	roomID := id.RoomID(roomIDStr)
	self := session.ParticipantID{UserID: userID, DeviceID: deviceID}
	slot := session.Slot{Application: "m.call", CallID: ""}

	memberMgr := membership.New(adapter, adapter, roomID, self, slot, true, tunables, nil, slog.Default())
	memberMgr.OnStatusChanged(func(old, new membership.Status) {
		slog.Info("membership status changed", "old", old.String(), "new", new.String())
	})
	memberMgr.OnProbablyLeft(func(v bool) {
		slog.Warn("membership probably left", "value", v)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	perDevice := transport.NewPerDevice(adapter, noopSyncer{}, roomID, slot, nil, slog.Default())
	encMgr := encryption.New(perDevice, self, tunables, nil, slog.Default(), func(key []byte, keyID int) {
		slog.Info("local media key activated", "key_id", keyID)
	})

	memberMgr.Join(ctx, nil, session.FocusSelectionOldestMembership, func(err error) {
		slog.Error("membership manager terminated", "err", err)
		cancel()
	})
	if err := encMgr.Join(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to join encryption manager: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	_ = encMgr.Leave()
	memberMgr.Leave(0)
}

// noopSyncer is a placeholder Syncer: wiring a real sync loop's to-device
// event dispatch is the host application's responsibility (out of scope for
// this library), so the demo never actually registers a live callback.
type noopSyncer struct{}

func (noopSyncer) OnToDeviceEvent(eventType string, handler func(userID id.UserID, deviceID id.DeviceID, content json.RawMessage)) {
}
