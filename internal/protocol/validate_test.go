package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, m map[string]interface{}) []byte {
	t.Helper()
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeViewerShowMessage, ShowMessagePayload{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, TypeViewerShowMessage, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Empty(t, msg.ID)

	var p ShowMessagePayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "hi", p.Message)
}

func TestNewRequest_HasID(t *testing.T) {
	a, err := NewRequest(TypeDesktopPromptForAccess, PromptForAccessPayload{SessionID: "s"})
	require.NoError(t, err)
	b, err := NewRequest(TypeDesktopPromptForAccess, PromptForAccessPayload{SessionID: "s"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestValidateClientMessage_Valid(t *testing.T) {
	cases := []struct {
		role Role
		msg  map[string]interface{}
	}{
		{RoleViewer, map[string]interface{}{
			"type":    TypeViewerRequestScreenCast,
			"payload": map[string]interface{}{"sessionId": "abc", "accessKey": "k", "requesterName": "Ann"},
		}},
		{RoleViewer, map[string]interface{}{
			"type":    TypeViewerInput,
			"payload": map[string]interface{}{"kind": "mouseMove", "x": 0.5},
		}},
		{RoleDesktop, map[string]interface{}{
			"type":    TypeDesktopUnattended,
			"payload": map[string]interface{}{"sessionId": "abc", "accessKey": "k"},
		}},
		{RoleDesktop, map[string]interface{}{
			"type":    TypeResult,
			"id":      "req-1",
			"payload": map[string]interface{}{"ok": true},
		}},
		{RoleAgent, map[string]interface{}{
			"type":    TypeAgentHello,
			"payload": map[string]interface{}{"deviceId": "D1", "organizationId": "O1"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.msg["type"].(string), func(t *testing.T) {
			msg, err := ValidateClientMessage(tc.role, raw(t, tc.msg))
			require.NoError(t, err)
			assert.Equal(t, tc.msg["type"], msg.Type)
		})
	}
}

func TestValidateClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		role Role
		data []byte
	}{
		{"not json", RoleViewer, []byte("not json")},
		{"missing type", RoleViewer, raw(t, map[string]interface{}{"payload": map[string]interface{}{}})},
		{"missing payload", RoleViewer, raw(t, map[string]interface{}{"type": TypeViewerGetOptions})},
		{"wrong role", RoleViewer, raw(t, map[string]interface{}{
			"type": TypeAgentHello, "payload": map[string]interface{}{"deviceId": "D1"},
		})},
		{"unknown type", RoleDesktop, raw(t, map[string]interface{}{
			"type": "desktop.selfDestruct", "payload": map[string]interface{}{},
		})},
		{"missing session id", RoleViewer, raw(t, map[string]interface{}{
			"type": TypeViewerRequestScreenCast, "payload": map[string]interface{}{"accessKey": "k"},
		})},
		{"missing access key", RoleDesktop, raw(t, map[string]interface{}{
			"type": TypeDesktopUnattended, "payload": map[string]interface{}{"sessionId": "s"},
		})},
		{"missing stream id", RoleDesktop, raw(t, map[string]interface{}{
			"type": TypeDesktopStreamStart, "payload": map[string]interface{}{},
		})},
		{"result without id", RoleDesktop, raw(t, map[string]interface{}{
			"type": TypeResult, "payload": map[string]interface{}{"ok": true},
		})},
		{"missing device id", RoleAgent, raw(t, map[string]interface{}{
			"type": TypeAgentHello, "payload": map[string]interface{}{},
		})},
		{"negative windows session", RoleViewer, raw(t, map[string]interface{}{
			"type": TypeViewerChangeWindowsSession, "payload": map[string]interface{}{"targetWindowsSession": -1},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateClientMessage(tc.role, tc.data)
			assert.Error(t, err)
		})
	}
}

func TestNewResultAndFailure(t *testing.T) {
	msg, err := NewResult("req-1", StreamStartedData{StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, TypeResult, msg.Type)
	assert.Equal(t, "req-1", msg.ID)

	var p ResultPayload
	require.NoError(t, msg.Decode(&p))
	assert.True(t, p.OK)
	var data StreamStartedData
	require.NoError(t, json.Unmarshal(p.Data, &data))
	assert.Equal(t, "s1", data.StreamID)

	msg, err = NewFailure("req-2", "consentDenied", "no")
	require.NoError(t, err)
	p = ResultPayload{}
	require.NoError(t, msg.Decode(&p))
	assert.False(t, p.OK)
	assert.Equal(t, "consentDenied", p.Reason)
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrInvalidMessage, "bad")
	require.NoError(t, err)
	var p ErrorPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, ErrInvalidMessage, p.Code)
	assert.Equal(t, "bad", p.Message)
}

func TestFrameRoundTrip(t *testing.T) {
	id := uuid.New().String()
	frame, err := EncodeFrame(id, []byte("chunk"))
	require.NoError(t, err)
	assert.Len(t, frame, 16+5)

	got, chunk, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, []byte("chunk"), chunk)
}

func TestFrameErrors(t *testing.T) {
	_, err := EncodeFrame("not-a-uuid", nil)
	assert.Error(t, err)

	_, _, err = DecodeFrame([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortFrame)
}
