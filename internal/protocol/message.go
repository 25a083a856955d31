package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all WebSocket text messages. ID is set on
// requests that expect a result and echoed on the result.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest creates a message carrying a fresh correlation id.
func NewRequest(msgType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.New().String()
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", m.Type, err)
	}
	return nil
}

// Viewer → Server message types.
const (
	TypeViewerRequestScreenCast    = "viewer.requestScreenCast"
	TypeViewerStreamDesktop        = "viewer.streamDesktop"
	TypeViewerInput                = "viewer.input"
	TypeViewerChangeWindowsSession = "viewer.changeWindowsSession"
	TypeViewerCtrlAltDel           = "viewer.ctrlAltDel"
	TypeViewerGetOptions           = "viewer.getOptions"
)

// Server → Viewer message types.
const (
	TypeViewerShowMessage         = "viewer.showMessage"
	TypeViewerDesktopDisconnected = "viewer.desktopDisconnected"
	TypeViewerStreamEnded         = "viewer.streamEnded"
	TypeViewerDto                 = "viewer.dto"
)

// Desktop → Server message types.
const (
	TypeDesktopUnattended  = "desktop.unattended"
	TypeDesktopAttended    = "desktop.attended"
	TypeDesktopStreamStart = "desktop.streamStart"
	TypeDesktopStreamEnd   = "desktop.streamEnd"
	TypeDesktopDto         = "desktop.dto"
)

// Server → Desktop message types.
const (
	TypeDesktopPromptForAccess    = "desktop.promptForAccess"
	TypeDesktopGetScreenCast      = "desktop.getScreenCast"
	TypeDesktopRequestScreenCast  = "desktop.requestScreenCast"
	TypeDesktopViewerDisconnected = "desktop.viewerDisconnected"
	TypeDesktopInput              = "desktop.input"
	TypeDesktopStreamReleased     = "desktop.streamReleased"
)

// Agent ↔ Server message types.
const (
	TypeAgentHello                = "agent.hello"
	TypeAgentRemoteControl        = "agent.remoteControl"
	TypeAgentChangeWindowsSession = "agent.changeWindowsSession"
	TypeAgentCtrlAltDel           = "agent.ctrlAltDel"
)

// Any direction.
const (
	TypeResult = "result"
	TypeError  = "error"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrInternal       = "INTERNAL"
)

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ResultPayload answers a request. Reason is a machine-readable failure
// code; Data carries operation-specific output on success.
type ResultPayload struct {
	OK      bool            `json:"ok"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Viewer → Server payloads.

type RequestScreenCastPayload struct {
	SessionID     string `json:"sessionId"`
	AccessKey     string `json:"accessKey"`
	RequesterName string `json:"requesterName"`
}

type ChangeWindowsSessionPayload struct {
	TargetWindowsSession int `json:"targetWindowsSession"`
}

// Server → Viewer payloads.

type StreamStartedData struct {
	StreamID string `json:"streamId"`
}

type SwitchSessionData struct {
	SessionID string `json:"sessionId"`
	AccessKey string `json:"accessKey"`
}

type ViewerOptionsData struct {
	ShouldRecordSession bool `json:"shouldRecordSession"`
}

type ShowMessagePayload struct {
	Message string `json:"message"`
}

type DesktopDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
}

type StreamEndedPayload struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"`
}

// DtoPayload carries an opaque desktop↔viewer message. ViewerID addresses
// the viewer when sent by a desktop.
type DtoPayload struct {
	ViewerID string          `json:"viewerId,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Desktop → Server payloads.

type DesktopUnattendedPayload struct {
	SessionID   string `json:"sessionId"`
	AccessKey   string `json:"accessKey"`
	MachineName string `json:"machineName"`
}

type DesktopAttendedPayload struct {
	MachineName string `json:"machineName"`
}

type AttendedSessionData struct {
	SessionID string `json:"sessionId"`
}

type StreamPayload struct {
	StreamID string `json:"streamId"`
}

type ConsentData struct {
	Result string `json:"result"`
}

// Server → Desktop payloads.

type PromptForAccessPayload struct {
	SessionID        string `json:"sessionId"`
	ViewerID         string `json:"viewerId"`
	RequesterName    string `json:"requesterName"`
	OrganizationName string `json:"organizationName"`
}

type ScreenCastPayload struct {
	ViewerID         string `json:"viewerId"`
	StreamID         string `json:"streamId"`
	RequesterName    string `json:"requesterName"`
	NotifyUser       bool   `json:"notifyUser"`
	OrganizationName string `json:"organizationName,omitempty"`
}

type ViewerDisconnectedPayload struct {
	ViewerID string `json:"viewerId"`
}

type DesktopInputPayload struct {
	ViewerID string          `json:"viewerId"`
	Data     json.RawMessage `json:"data"`
}

// Agent payloads.

type AgentHelloPayload struct {
	DeviceID       string `json:"deviceId"`
	OrganizationID string `json:"organizationId"`
	MachineName    string `json:"machineName"`
}

type AgentRemoteControlPayload struct {
	SessionID        string `json:"sessionId"`
	AccessKey        string `json:"accessKey"`
	UserConnectionID string `json:"userConnectionId"`
	RequesterName    string `json:"requesterName"`
	OrganizationID   string `json:"organizationId"`
	OrganizationName string `json:"organizationName"`
	NotifyUser       bool   `json:"notifyUser"`
}

type AgentChangeWindowsSessionPayload struct {
	ViewerID             string `json:"viewerId"`
	SessionID            string `json:"sessionId"`
	AccessKey            string `json:"accessKey"`
	UserConnectionID     string `json:"userConnectionId"`
	RequesterName        string `json:"requesterName"`
	OrganizationID       string `json:"organizationId"`
	OrganizationName     string `json:"organizationName"`
	TargetWindowsSession int    `json:"targetWindowsSession"`
}

type AgentCtrlAltDelPayload struct {
	DeviceID string `json:"deviceId"`
}
