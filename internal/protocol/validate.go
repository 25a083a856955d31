package protocol

import (
	"encoding/json"
	"fmt"
)

// Role is the kind of client on the other end of a connection.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleDesktop Role = "desktop"
	RoleAgent   Role = "agent"
)

// validClientTypes is the set of allowed client→server message types per role.
var validClientTypes = map[Role]map[string]bool{
	RoleViewer: {
		TypeViewerRequestScreenCast:    true,
		TypeViewerStreamDesktop:        true,
		TypeViewerInput:                true,
		TypeViewerChangeWindowsSession: true,
		TypeViewerCtrlAltDel:           true,
		TypeViewerGetOptions:           true,
	},
	RoleDesktop: {
		TypeDesktopUnattended:  true,
		TypeDesktopAttended:    true,
		TypeDesktopStreamStart: true,
		TypeDesktopStreamEnd:   true,
		TypeDesktopDto:         true,
		TypeResult:             true,
	},
	RoleAgent: {
		TypeAgentHello: true,
		TypeResult:     true,
	},
}

// ValidateClientMessage validates a raw JSON message from a client of the
// given role. Returns the parsed Message and any validation error.
func ValidateClientMessage(role Role, raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[role][msg.Type] {
		return nil, fmt.Errorf("unknown message type for %s: %s", role, msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeViewerRequestScreenCast:
		var p RequestScreenCastPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}

	case TypeViewerChangeWindowsSession:
		var p ChangeWindowsSessionPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.TargetWindowsSession < 0 {
			return nil, fmt.Errorf("invalid 'targetWindowsSession' in %s payload", msg.Type)
		}

	case TypeDesktopUnattended:
		var p DesktopUnattendedPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.AccessKey == "" {
			return nil, missing("accessKey", msg.Type)
		}

	case TypeDesktopStreamStart, TypeDesktopStreamEnd:
		var p StreamPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.StreamID == "" {
			return nil, missing("streamId", msg.Type)
		}

	case TypeDesktopDto:
		var p DtoPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.ViewerID == "" {
			return nil, missing("viewerId", msg.Type)
		}

	case TypeAgentHello:
		var p AgentHelloPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if p.DeviceID == "" {
			return nil, missing("deviceId", msg.Type)
		}

	case TypeResult:
		if msg.ID == "" {
			return nil, missing("id", msg.Type)
		}
		var p ResultPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// NewResult creates a result replying to the request with id. data may be
// nil.
func NewResult(id string, data interface{}) (*Message, error) {
	p := ResultPayload{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal result data: %w", err)
		}
		p.Data = raw
	}
	msg, err := NewMessage(TypeResult, p)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewFailure creates a failed result replying to the request with id.
func NewFailure(id, reason, message string) (*Message, error) {
	msg, err := NewMessage(TypeResult, ResultPayload{Reason: reason, Message: message})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}
