// Package protocol describes the JSON-line requests the shell forwards to the
// agent and validates UI-submitted messages before they are written.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request types understood by the agent.
const (
	TypeChatRequest      = "chat_request"
	TypeCancelStream     = "cancel_stream"
	TypeApprovalResponse = "approval_response"
	TypeToolRequest      = "tool_request"
)

const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "requestId"],
  "properties": {
    "type": {"enum": ["chat_request", "cancel_stream", "approval_response", "tool_request"]},
    "requestId": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "chat_request"}}},
      "then": {
        "required": ["provider", "messages"],
        "properties": {
          "messages": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["role", "content"],
              "properties": {
                "role": {"enum": ["user", "assistant"]},
                "content": {"type": "string"}
              }
            }
          },
          "enableTools": {"type": "boolean"},
          "disabledSkills": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "approval_response"}}},
      "then": {
        "required": ["toolCallId", "decision"],
        "properties": {
          "toolCallId": {"type": "string"},
          "decision": {"enum": ["once", "always", "reject"]}
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "tool_request"}}},
      "then": {
        "required": ["toolName", "args"],
        "properties": {
          "toolName": {"type": "string", "minLength": 1},
          "args": {"type": "object"}
        }
      }
    }
  ]
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchema))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal request schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("request.json", doc); err != nil {
			compileErr = fmt.Errorf("add request schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile("request.json")
	})
	return compiled, compileErr
}

// ValidationError describes a message the agent would reject.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks one request line and returns its type.
func Validate(line string) (string, error) {
	s, err := schema()
	if err != nil {
		return "", err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := s.Validate(doc); err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("invalid agent request: %s", err)}
	}
	obj, _ := doc.(map[string]any)
	typ, _ := obj["type"].(string)
	return typ, nil
}

// Compact returns line with insignificant whitespace (including embedded
// newlines) removed so it fits on one protocol line.
func Compact(line string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(line)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CancelStream builds the request that aborts an in-flight chat stream.
func CancelStream(requestID string) string {
	b, _ := json.Marshal(struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}{TypeCancelStream, requestID})
	return string(b)
}
