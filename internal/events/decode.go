package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

const chatEventSchemaURL = "chat_event.schema.json"

// Message events must identify the account, the chat and the message.
const chatEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "instance_id": {"type": "string"},
    "direction": {"enum": ["inbound", "outbound"]},
    "payload": {
      "type": "object",
      "properties": {
        "contact": {
          "type": "object",
          "properties": {
            "remote_id": {"type": "string"},
            "phone": {"type": "string"},
            "name": {"type": "string"},
            "is_group": {"type": "boolean"}
          }
        },
        "message": {
          "type": "object",
          "properties": {
            "id": {"type": "string"},
            "chat_id": {"type": "string"},
            "text": {"type": "string"},
            "timestamp": {"type": "integer", "minimum": 0},
            "media": {
              "type": "object",
              "required": ["kind"],
              "properties": {"kind": {"type": "string"}, "url": {"type": "string"}}
            },
            "interactive": {"type": "object"}
          }
        }
      }
    }
  },
  "if": {
    "properties": {"type": {"enum": ["MESSAGE_INBOUND", "MESSAGE_OUTBOUND"]}}
  },
  "then": {
    "required": ["instance_id", "payload"],
    "properties": {
      "instance_id": {"minLength": 1},
      "payload": {
        "required": ["message"],
        "properties": {
          "message": {
            "required": ["id", "chat_id"],
            "properties": {"id": {"minLength": 1}, "chat_id": {"minLength": 1}}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func chatSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chatEventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(chatEventSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(chatEventSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Decode validates raw against the chat event schema and decodes it.
// Malformed input yields an INVALID_PAYLOAD error.
func Decode(raw []byte) (ChatEvent, error) {
	schema, err := chatSchema()
	if err != nil {
		return ChatEvent{}, apperrors.NewInternalError(fmt.Errorf("compile chat event schema: %w", err))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ChatEvent{}, apperrors.NewInvalidPayload("chat event is not valid json", err)
	}
	if err := schema.Validate(inst); err != nil {
		return ChatEvent{}, apperrors.NewInvalidPayload("chat event failed validation", err)
	}
	var event ChatEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return ChatEvent{}, apperrors.NewInvalidPayload("chat event could not be decoded", err)
	}
	event.ReceivedAt = time.Now().UTC()
	return event, nil
}
