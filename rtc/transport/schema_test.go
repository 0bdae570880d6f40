package transport

import "testing"

func TestValidatePayloadAcceptsWellFormedPerDevice(t *testing.T) {
	raw := []byte(`{
		"room_id": "!room:example.org",
		"sent_ts": 100,
		"keys": {"index": 0, "key": "a2V5"},
		"member": {"claimed_device_id": "DEV1"},
		"session": {"application": "m.call", "call_id": "", "scope": "m.room"}
	}`)
	if _, err := validatePayload(perDeviceSchema, raw); err != nil {
		t.Fatalf("expected well-formed payload to validate, got %v", err)
	}
}

func TestValidatePayloadRejectsMissingField(t *testing.T) {
	raw := []byte(`{"sent_ts": 100, "keys": {"index": 0, "key": "a2V5"}}`)
	if _, err := validatePayload(perDeviceSchema, raw); err == nil {
		t.Fatalf("expected payload missing room_id/member/session to fail validation")
	}
}

func TestValidatePayloadRejectsOutOfRangeIndex(t *testing.T) {
	raw := []byte(`{
		"room_id": "!room:example.org",
		"keys": {"index": 999, "key": "a2V5"},
		"member": {"claimed_device_id": "DEV1"},
		"session": {"application": "m.call", "call_id": "", "scope": "m.room"}
	}`)
	if _, err := validatePayload(perDeviceSchema, raw); err == nil {
		t.Fatalf("expected out-of-range key index to fail validation")
	}
}

func TestValidatePayloadAcceptsRoomBroadcast(t *testing.T) {
	raw := []byte(`{
		"device_id": "DEV1",
		"call_id": "",
		"sent_ts": 5,
		"keys": [{"index": 0, "key": "a2V5"}]
	}`)
	if _, err := validatePayload(roomBroadcastSchema, raw); err != nil {
		t.Fatalf("expected well-formed room-broadcast payload to validate, got %v", err)
	}
}

func TestValidatePayloadRejectsMalformedJSON(t *testing.T) {
	if _, err := validatePayload(perDeviceSchema, []byte(`{not json`)); err == nil {
		t.Fatalf("expected malformed JSON to fail")
	}
}
