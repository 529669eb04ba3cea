package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const stateSchemaURL = "mem://seedbridge/state.schema.json"

// stateSchemaTemplate validates STATE messages. Entities are a tagged variant on type_id:
// the dropped-item variant must carry an item stack.
const stateSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "snapshot"],
  "properties": {
    "type": {"const": "STATE"},
    "protocol_version": {"type": "string"},
    "snapshot": {
      "type": "object",
      "properties": {
        "version": {"type": "integer", "minimum": 0},
        "players": {"type": ["array", "null"], "items": {"$ref": "#/$defs/player"}},
        "entities": {"type": ["array", "null"], "items": {"$ref": "#/$defs/entity"}}
      }
    }
  },
  "$defs": {
    "vec3": {
      "type": "object",
      "required": ["x", "y", "z"],
      "properties": {
        "x": {"type": "number"},
        "y": {"type": "number"},
        "z": {"type": "number"}
      }
    },
    "item": {
      "type": "object",
      "required": ["type_id"],
      "properties": {
        "type_id": {"type": "string", "minLength": 1},
        "amount": {"type": "integer"}
      }
    },
    "player": {
      "type": "object",
      "required": ["id", "position"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "position": {"$ref": "#/$defs/vec3"},
        "selected_item": {"anyOf": [{"type": "null"}, {"$ref": "#/$defs/item"}]}
      }
    },
    "entity": {
      "type": "object",
      "required": ["id", "type_id", "position"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type_id": {"type": "string", "minLength": 1},
        "position": {"$ref": "#/$defs/vec3"},
        "item": {"anyOf": [{"type": "null"}, {"$ref": "#/$defs/item"}]}
      },
      "if": {"properties": {"type_id": {"const": %s}}},
      "then": {"required": ["item"], "properties": {"item": {"$ref": "#/$defs/item"}}}
    }
  }
}`

// Validator checks feed payloads before they are decoded into a Snapshot.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator(droppedItemType string) (*Validator, error) {
	tag, err := json.Marshal(strings.TrimSpace(droppedItemType))
	if err != nil {
		return nil, err
	}
	s, err := jsonschema.CompileString(stateSchemaURL, fmt.Sprintf(stateSchemaTemplate, tag))
	if err != nil {
		return nil, fmt.Errorf("compile state schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// DecodeState validates a raw STATE message and decodes its snapshot.
func (v *Validator) DecodeState(b []byte) (Snapshot, error) {
	if v != nil && v.schema != nil {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return Snapshot{}, fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
		}
		if err := v.schema.Validate(doc); err != nil {
			return Snapshot{}, fmt.Errorf("%s: %w", ErrProtoSchema, err)
		}
	}
	var msg StateMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	return msg.Snapshot, nil
}
