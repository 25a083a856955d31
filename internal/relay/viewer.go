package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"relaybroker/internal/access"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/session"
	"relaybroker/internal/stream"
)

// Viewer is the handler for one viewer connection. Its fields are the
// connection's own state; the session it joined is looked up in the
// registry on every use.
type Viewer struct {
	hub        *Hub
	connID     string
	remoteAddr string
	userName   string

	mu           sync.Mutex
	sessionID    string
	streamID     string
	disconnected bool
}

// NewViewer creates the handler for a viewer connection. userName is empty
// for anonymous viewers.
func (h *Hub) NewViewer(connID, remoteAddr, userName string) *Viewer {
	return &Viewer{hub: h, connID: connID, remoteAddr: remoteAddr, userName: userName}
}

func (v *Viewer) current() (*session.Session, string) {
	v.mu.Lock()
	sid, streamID := v.sessionID, v.streamID
	v.mu.Unlock()
	if sid == "" {
		return nil, ""
	}
	s, ok := v.hub.Sessions.Get(sid)
	if !ok {
		return nil, ""
	}
	return s, streamID
}

// RequestScreenCast authorizes the viewer for sessionID and asks the
// paired desktop to start casting to it.
func (v *Viewer) RequestScreenCast(ctx context.Context, sessionID, accessKey, requesterName string) error {
	caller := access.Caller{
		ConnectionID:  v.connID,
		RemoteAddr:    v.remoteAddr,
		Authenticated: v.userName != "",
		UserName:      v.userName,
		RequesterName: requesterName,
	}
	s, err := v.hub.Gate.Authorize(ctx, access.Request{
		SessionID: sessionID,
		AccessKey: accessKey,
		Caller:    caller,
	})
	if err != nil {
		return err
	}

	desktop := s.DesktopConnectionID()
	if desktop == "" {
		return ErrNotPaired
	}

	s.AddViewer(v.connID)
	s.SetRequester(v.userName, requesterName)
	streamID := s.NewStreamID()

	v.mu.Lock()
	prev := v.sessionID
	v.sessionID = s.ID()
	v.streamID = streamID
	v.mu.Unlock()
	if prev != "" && prev != s.ID() {
		v.leave(prev)
	}

	meta := s.Metadata()
	mode := s.Mode()
	log.Info("remote control session requested",
		logging.KeySessionID, s.ID(),
		logging.KeyStreamID, streamID,
		logging.KeyConnID, v.connID,
		logging.KeyRemoteAddr, v.remoteAddr,
		"userName", v.userName,
		"requesterName", requesterName,
		"machineName", meta.MachineName,
		"desktopConnectionId", desktop,
		"mode", mode,
	)

	payload := protocol.ScreenCastPayload{
		ViewerID:      v.connID,
		StreamID:      streamID,
		RequesterName: requesterName,
		NotifyUser:    s.NotifyUserOnStart(),
	}
	msgType := protocol.TypeDesktopGetScreenCast
	if mode == session.ModeUnattended {
		payload.OrganizationName = meta.OrganizationName
	} else {
		s.MarkAttended()
		msgType = protocol.TypeDesktopRequestScreenCast
	}

	if err := v.hub.send(desktop, msgType, payload); err != nil {
		s.RemoveViewer(v.connID)
		return fmt.Errorf("relay: ask desktop to cast: %w", err)
	}
	return nil
}

// Video is a viewer's view of one desktop stream.
type Video struct {
	StreamID string
	Chunks   <-chan []byte
}

// StreamDesktopVideo waits for the desktop to start the stream minted by the
// last RequestScreenCast and relays its chunks in order. Chunks is closed
// when the desktop ends the stream or ctx is done; either way the stream is
// released so the desktop stops capturing.
func (v *Viewer) StreamDesktopVideo(ctx context.Context) (*Video, error) {
	s, streamID := v.current()
	if s == nil || streamID == "" {
		return nil, ErrNoSession
	}

	sig, err := v.hub.Broker.AwaitStream(ctx, streamID, v.connID, v.hub.StreamWaitTimeout)
	if err != nil {
		if errors.Is(err, stream.ErrStreamTimeout) {
			v.hub.notify(v.connID, protocol.TypeViewerShowMessage, protocol.ShowMessagePayload{
				Message: "The remote desktop did not start streaming in time.",
			})
		}
		return nil, err
	}

	s.SetStreamerState(session.StreamerConnected)
	rec := v.hub.startRecording(s, streamID)
	out := make(chan []byte)

	go func() {
		defer close(out)
		defer sig.Release()
		defer rec.close()
		defer s.SetStreamerState(session.StreamerNotConnected)

		src := sig.Stream()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-src:
				if !ok {
					return
				}
				rec.push(chunk)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Video{StreamID: streamID, Chunks: out}, nil
}

// RelayInput forwards an opaque input payload to the paired desktop. Input
// for a session without a desktop, or from a viewer no longer registered
// on it, is dropped.
func (v *Viewer) RelayInput(data json.RawMessage) {
	s, _ := v.current()
	if s == nil || !s.HasViewer(v.connID) {
		return
	}
	desktop := s.DesktopConnectionID()
	if desktop == "" {
		return
	}
	v.hub.notify(desktop, protocol.TypeDesktopInput, protocol.DesktopInputPayload{
		ViewerID: v.connID,
		Data:     data,
	})
}

// SwitchResult identifies the session that replaces the current one after
// a Windows-session switch.
type SwitchResult struct {
	SessionID string `json:"sessionId"`
	AccessKey string `json:"accessKey"`
}

// ChangeWindowsSession moves an unattended session to another Windows
// session on the same machine. The session is re-created under a new id
// and access key and the agent is asked to launch a desktop there.
func (v *Viewer) ChangeWindowsSession(ctx context.Context, target int) (*SwitchResult, error) {
	s, _ := v.current()
	if s == nil {
		return nil, ErrNoSession
	}
	if s.Mode() == session.ModeAttended {
		return nil, ErrAttendedSession
	}

	agentID := s.AgentConnectionID()
	if agentID == "" {
		if a, ok := v.hub.Agents.Lookup(s.Metadata().DeviceID); ok {
			agentID = a.ConnectionID
		}
	}
	if agentID == "" {
		return nil, ErrAgentOffline
	}

	if s.RemoveViewer(v.connID) {
		v.hub.notify(s.DesktopConnectionID(), protocol.TypeDesktopViewerDisconnected,
			protocol.ViewerDisconnectedPayload{ViewerID: v.connID})
	}

	n := s.CreateNew()
	v.hub.Sessions.Put(n.ID(), n)

	meta := n.Metadata()
	err := v.hub.send(agentID, protocol.TypeAgentChangeWindowsSession, protocol.AgentChangeWindowsSessionPayload{
		ViewerID:             v.connID,
		SessionID:            n.ID(),
		AccessKey:            n.AccessKey(),
		UserConnectionID:     n.UserConnectionID(),
		RequesterName:        n.RequesterDisplayName(),
		OrganizationID:       meta.OrganizationID,
		OrganizationName:     meta.OrganizationName,
		TargetWindowsSession: target,
	})
	if err != nil {
		v.hub.Sessions.RemoveIf(n.ID(), n)
		return nil, fmt.Errorf("relay: ask agent to switch session: %w", err)
	}

	v.mu.Lock()
	v.sessionID = n.ID()
	v.streamID = ""
	v.mu.Unlock()

	log.Info("windows session change requested",
		logging.KeySessionID, n.ID(),
		"previousSessionId", s.ID(),
		"targetWindowsSession", target,
		logging.KeyConnID, v.connID,
	)
	return &SwitchResult{SessionID: n.ID(), AccessKey: n.AccessKey()}, nil
}

// RequestCtrlAltDel asks the agent to send the secure attention sequence.
// Best effort: failures are logged only.
func (v *Viewer) RequestCtrlAltDel() {
	s, _ := v.current()
	if s == nil {
		log.Debug("ctrl-alt-del without a session", logging.KeyConnID, v.connID)
		return
	}
	deviceID := s.Metadata().DeviceID
	agentID := s.AgentConnectionID()
	if agentID == "" {
		if a, ok := v.hub.Agents.Lookup(deviceID); ok {
			agentID = a.ConnectionID
		}
	}
	if agentID == "" {
		log.Warn("ctrl-alt-del requested but no agent is connected",
			logging.KeySessionID, s.ID(), logging.KeyDeviceID, deviceID)
		return
	}
	if err := v.hub.send(agentID, protocol.TypeAgentCtrlAltDel, protocol.AgentCtrlAltDelPayload{DeviceID: deviceID}); err != nil {
		log.Warn("ctrl-alt-del not delivered",
			logging.KeySessionID, s.ID(), logging.KeyError, err)
	}
}

// ViewerOptions reports the per-organization viewer settings.
func (v *Viewer) ViewerOptions() protocol.ViewerOptionsData {
	return protocol.ViewerOptionsData{
		ShouldRecordSession: v.hub.settings().EnableRemoteControlRecording,
	}
}

// Disconnect unregisters the viewer and tells the desktop once. Calling it
// again, or after the session is gone, does nothing.
func (v *Viewer) Disconnect() {
	v.mu.Lock()
	if v.disconnected {
		v.mu.Unlock()
		return
	}
	v.disconnected = true
	sid := v.sessionID
	v.mu.Unlock()

	if sid != "" {
		v.leave(sid)
	}
}

// leave drops the viewer from session sid and tells its desktop. An
// attended session left without viewers is closed.
func (v *Viewer) leave(sid string) {
	s, ok := v.hub.Sessions.Get(sid)
	if !ok || !s.RemoveViewer(v.connID) {
		return
	}

	v.hub.notify(s.DesktopConnectionID(), protocol.TypeDesktopViewerDisconnected,
		protocol.ViewerDisconnectedPayload{ViewerID: v.connID})

	if s.Mode() == session.ModeAttended && len(s.Viewers()) == 0 {
		v.hub.Sessions.RemoveIf(sid, s)
		log.Info("attended session closed by viewer", logging.KeySessionID, sid)
	}
}
