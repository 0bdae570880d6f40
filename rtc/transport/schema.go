package transport

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// perDeviceSchema and roomBroadcastSchema validate the two untrusted wire
// payload shapes in one place, rather than via ad-hoc field-presence checks
// scattered across the receive paths. A payload that fails validation is
// dropped with a single precise error instead of a handful of individual
// "missing field" checks.
const perDeviceSchemaText = `{
	"type": "object",
	"required": ["keys", "room_id", "member", "session"],
	"properties": {
		"room_id": {"type": "string", "minLength": 1},
		"sent_ts": {"type": "number"},
		"keys": {
			"type": "object",
			"required": ["index", "key"],
			"properties": {
				"index": {"type": "integer", "minimum": 0, "maximum": 255},
				"key": {"type": "string", "minLength": 1}
			}
		},
		"member": {
			"type": "object",
			"required": ["claimed_device_id"],
			"properties": {
				"claimed_device_id": {"type": "string", "minLength": 1}
			}
		},
		"session": {
			"type": "object",
			"required": ["application", "call_id", "scope"],
			"properties": {
				"application": {"type": "string"},
				"call_id": {"type": "string"},
				"scope": {"type": "string"}
			}
		}
	}
}`

const roomBroadcastSchemaText = `{
	"type": "object",
	"required": ["keys", "device_id", "call_id"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1},
		"call_id": {"type": "string"},
		"sent_ts": {"type": "number"},
		"keys": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["index", "key"],
				"properties": {
					"index": {"type": "integer", "minimum": 0, "maximum": 255},
					"key": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

func compile(name, text string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(text))); err != nil {
		panic(fmt.Sprintf("transport: invalid embedded schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("transport: invalid embedded schema %s: %v", name, err))
	}
	return schema
}

var (
	perDeviceSchema     = compile("perdevice.json", perDeviceSchemaText)
	roomBroadcastSchema = compile("roombroadcast.json", roomBroadcastSchemaText)
)

// validatePayload decodes raw JSON and validates it against schema, returning
// the decoded document on success.
func validatePayload(schema *jsonschema.Schema, raw []byte) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("transport: decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("transport: payload failed validation: %w", err)
	}
	return doc, nil
}
