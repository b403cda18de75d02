// Package ocpp holds the OCPP-J framing and the payload documents exchanged with
// stations for the actions this system owns.
package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type MessageType int

const (
	TypeCall       MessageType = 2
	TypeCallResult MessageType = 3
	TypeCallError  MessageType = 4
)

// CallError codes.
const (
	ErrorNotImplemented              = "NotImplemented"
	ErrorNotSupported                = "NotSupported"
	ErrorInternalError               = "InternalError"
	ErrorProtocolError               = "ProtocolError"
	ErrorSecurityError               = "SecurityError"
	ErrorFormationViolation          = "FormationViolation"
	ErrorFormatViolation             = "FormatViolation"
	ErrorPropertyConstraintViolation = "PropertyConstraintViolation"
	ErrorTypeConstraintViolation     = "TypeConstraintViolation"
	ErrorGenericError                = "GenericError"
	ErrorTimeout                     = "Timeout"
)

var ErrMalformedFrame = errors.New("malformed OCPP-J frame")

// Frame is one OCPP-J message: [2, id, action, payload], [3, id, payload] or
// [4, id, code, description, details].
type Frame struct {
	Type             MessageType
	UniqueId         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFrame validates the array shape of raw. UniqueId is returned whenever it
// could be read so callers can answer malformed Calls with a CallError.
func ParseFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return Frame{}, fmt.Errorf("%w: not an array", ErrMalformedFrame)
	}
	items := root.Array()
	if len(items) < 3 {
		return Frame{}, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(items))
	}

	var f Frame
	if items[1].Type == gjson.String {
		f.UniqueId = items[1].Str
	}
	if items[0].Type != gjson.Number {
		return f, fmt.Errorf("%w: message type is not a number", ErrMalformedFrame)
	}
	f.Type = MessageType(items[0].Int())
	if f.UniqueId == "" {
		return f, fmt.Errorf("%w: missing unique id", ErrMalformedFrame)
	}

	switch f.Type {
	case TypeCall:
		if len(items) != 4 || items[2].Type != gjson.String {
			return f, fmt.Errorf("%w: call needs [2, id, action, payload]", ErrMalformedFrame)
		}
		f.Action = items[2].Str
		if !items[3].IsObject() {
			return f, fmt.Errorf("%w: call payload is not an object", ErrMalformedFrame)
		}
		f.Payload = json.RawMessage(items[3].Raw)
	case TypeCallResult:
		if len(items) != 3 || !items[2].IsObject() {
			return f, fmt.Errorf("%w: result needs [3, id, payload]", ErrMalformedFrame)
		}
		f.Payload = json.RawMessage(items[2].Raw)
	case TypeCallError:
		if len(items) < 4 || items[2].Type != gjson.String {
			return f, fmt.Errorf("%w: error needs [4, id, code, description, details]", ErrMalformedFrame)
		}
		f.ErrorCode = items[2].Str
		f.ErrorDescription = items[3].String()
		if len(items) > 4 && items[4].IsObject() {
			f.ErrorDetails = json.RawMessage(items[4].Raw)
		}
	default:
		return f, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// Encode renders f as an OCPP-J array.
func (f Frame) Encode() ([]byte, error) {
	switch f.Type {
	case TypeCall:
		return json.Marshal([]any{f.Type, f.UniqueId, f.Action, payloadOrEmpty(f.Payload)})
	case TypeCallResult:
		return json.Marshal([]any{f.Type, f.UniqueId, payloadOrEmpty(f.Payload)})
	case TypeCallError:
		return json.Marshal([]any{f.Type, f.UniqueId, f.ErrorCode, f.ErrorDescription, payloadOrEmpty(f.ErrorDetails)})
	}
	return nil, fmt.Errorf("unknown message type %d", f.Type)
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

func NewCall(id, action string, payload json.RawMessage) Frame {
	return Frame{Type: TypeCall, UniqueId: id, Action: action, Payload: payload}
}

func NewCallResult(id string, payload json.RawMessage) Frame {
	return Frame{Type: TypeCallResult, UniqueId: id, Payload: payload}
}

func NewCallError(id, code, description string, details json.RawMessage) Frame {
	return Frame{Type: TypeCallError, UniqueId: id, ErrorCode: code, ErrorDescription: description, ErrorDetails: details}
}

// FormatViolation returns the payload-shape error code used by protocol.
func FormatViolation(protocol string) string {
	if protocol == ProtocolOCPP16 {
		return ErrorFormationViolation
	}
	return ErrorFormatViolation
}
