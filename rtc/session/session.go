// Package session holds the data model shared by the membership and
// encryption managers: slots, participant identities, and the membership
// fact published as room state.
package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Slot identifies the logical RTC session within a room, e.g. ("m.call", "")
// for the room-wide call. It is immutable for the lifetime of a manager.
type Slot struct {
	Application string
	CallID      string
}

func (s Slot) String() string {
	return s.Application + s.CallID
}

// ParticipantID is a userId:deviceId pair, compared by exact string equality.
type ParticipantID struct {
	UserID   string
	DeviceID string
}

func (p ParticipantID) String() string {
	return p.UserID + ":" + p.DeviceID
}

// ParseParticipantID splits a "userId:deviceId" string. Matrix user IDs
// themselves never contain a colon after the leading "@user:" form is
// combined with a device ID, so we split on the last colon.
func ParseParticipantID(s string) (ParticipantID, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return ParticipantID{}, fmt.Errorf("session: invalid participant id %q", s)
	}
	return ParticipantID{UserID: s[:idx], DeviceID: s[idx+1:]}, nil
}

// FocusSelection is the policy a client uses to pick among multiple foci.
type FocusSelection string

const (
	FocusSelectionOldestMembership FocusSelection = "oldest_membership"
	FocusSelectionMultiSFU         FocusSelection = "multi_sfu"
)

// FocusActive describes the currently selected transport focus.
type FocusActive struct {
	Type           string         `json:"type"`
	FocusSelection FocusSelection `json:"focus_selection"`
}

// Focus is one entry of the preferred-foci list. Extra carries
// transport-specific fields (e.g. livekit alias/service url) that this
// library does not interpret but must still round-trip over the wire
// alongside Type, flattened into the same JSON object rather than nested
// under a sub-key.
type Focus struct {
	Type  string
	Extra map[string]any
}

func (f Focus) MarshalJSON() ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for k, v := range f.Extra {
		if out, err = sjson.SetBytes(out, k, v); err != nil {
			return nil, fmt.Errorf("session: encode focus extra field %q: %w", k, err)
		}
	}
	if out, err = sjson.SetBytes(out, "type", f.Type); err != nil {
		return nil, fmt.Errorf("session: encode focus type: %w", err)
	}
	return out, nil
}

func (f *Focus) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("session: invalid focus JSON")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("session: decode focus: %w", err)
	}
	typ, _ := raw["type"].(string)
	delete(raw, "type")
	f.Type = typ
	if len(raw) > 0 {
		f.Extra = raw
	} else {
		f.Extra = nil
	}
	return nil
}

// MembershipFact is the content of the state event advertising that a
// device is currently present in a slot.
type MembershipFact struct {
	Application  string         `json:"application"`
	CallID       string         `json:"call_id"`
	Scope        string         `json:"scope"`
	DeviceID     string         `json:"device_id"`
	Expires      int64          `json:"expires"`
	CreatedTS    *int64         `json:"created_ts,omitempty"`
	CallIntent   string         `json:"m.call.intent,omitempty"`
	FocusActive  FocusActive    `json:"focus_active"`
	FociPreferred []Focus       `json:"foci_preferred"`
}

// Slot returns the Slot this fact belongs to.
func (f MembershipFact) Slot() Slot {
	return Slot{Application: f.Application, CallID: f.CallID}
}

// StateKey derives the state key a membership fact is published under.
// Rooms whose version supports the stable MSC3757/MSC3779 state-key format
// use "{userId}_{deviceId}_{application}{callId}"; older room versions
// require an underscore prefix.
func StateKey(participant ParticipantID, slot Slot, stableStateKeys bool) string {
	key := fmt.Sprintf("%s_%s_%s", participant.UserID, participant.DeviceID, slot.String())
	if stableStateKeys {
		return key
	}
	return "_" + key
}
