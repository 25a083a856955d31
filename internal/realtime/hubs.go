package realtime

import (
	"context"
	"net/http"

	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/relay"
)

func (s *Server) handleAgentHub(w http.ResponseWriter, r *http.Request) {
	c, ok := s.accept(w, r, protocol.RoleAgent)
	if !ok {
		return
	}
	agent := s.Hub.NewAgent(c.id, c.remoteAddr)

	s.serve(c, func(raw []byte) {
		msg, ok := c.parse(raw)
		if !ok {
			return
		}
		switch msg.Type {
		case protocol.TypeAgentHello:
			var p protocol.AgentHelloPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			c.respond(msg.ID, nil, agent.Hello(p))
		case protocol.TypeResult:
			if !s.Clients.resolve(c.id, msg) {
				log.Debug("unmatched result dropped", logging.KeyConnID, c.id, "id", msg.ID)
			}
		}
	}, nil, agent.Disconnect)
}

func (s *Server) handleDesktopHub(w http.ResponseWriter, r *http.Request) {
	c, ok := s.accept(w, r, protocol.RoleDesktop)
	if !ok {
		return
	}
	desk := s.Hub.NewDesktop(c.id)

	onText := func(raw []byte) {
		msg, ok := c.parse(raw)
		if !ok {
			return
		}
		switch msg.Type {
		case protocol.TypeDesktopUnattended:
			var p protocol.DesktopUnattendedPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			c.respond(msg.ID, nil, desk.AnnounceUnattended(c.ctx, p))

		case protocol.TypeDesktopAttended:
			var p protocol.DesktopAttendedPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			code, err := desk.AnnounceAttended(c.ctx, p)
			c.respond(msg.ID, protocol.AttendedSessionData{SessionID: code}, err)

		case protocol.TypeDesktopStreamStart:
			var p protocol.StreamPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			c.respond(msg.ID, nil, desk.BeginStream(p.StreamID))

		case protocol.TypeDesktopStreamEnd:
			var p protocol.StreamPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			c.respond(msg.ID, nil, desk.EndStream(p.StreamID))

		case protocol.TypeDesktopDto:
			var p protocol.DtoPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			desk.RelayToViewer(p.ViewerID, p.Data)

		case protocol.TypeResult:
			if !s.Clients.resolve(c.id, msg) {
				log.Debug("unmatched result dropped", logging.KeyConnID, c.id, "id", msg.ID)
			}
		}
	}

	onBinary := func(data []byte) {
		streamID, chunk, err := protocol.DecodeFrame(data)
		if err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		if err := desk.PushChunk(c.ctx, streamID, chunk); err != nil {
			log.Debug("video chunk dropped",
				logging.KeyStreamID, streamID, logging.KeyConnID, c.id, logging.KeyError, err)
		}
	}

	s.serve(c, onText, onBinary, desk.Disconnect)
}

func (s *Server) handleViewerHub(w http.ResponseWriter, r *http.Request) {
	userName, ok := s.authorizeViewer(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="relaybroker"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	c, ok := s.accept(w, r, protocol.RoleViewer)
	if !ok {
		return
	}
	viewer := s.Hub.NewViewer(c.id, c.remoteAddr, userName)

	s.serve(c, func(raw []byte) {
		msg, ok := c.parse(raw)
		if !ok {
			return
		}
		switch msg.Type {
		case protocol.TypeViewerRequestScreenCast:
			var p protocol.RequestScreenCastPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			c.respond(msg.ID, nil, viewer.RequestScreenCast(c.ctx, p.SessionID, p.AccessKey, p.RequesterName))

		case protocol.TypeViewerStreamDesktop:
			// The stream outlives this message; input keeps flowing meanwhile.
			c.goGuard(func() { s.streamToViewer(c, viewer, msg.ID) })

		case protocol.TypeViewerInput:
			viewer.RelayInput(msg.Payload)

		case protocol.TypeViewerChangeWindowsSession:
			var p protocol.ChangeWindowsSessionPayload
			if !decodeOr(c, msg, &p) {
				return
			}
			res, err := viewer.ChangeWindowsSession(c.ctx, p.TargetWindowsSession)
			c.respond(msg.ID, res, err)

		case protocol.TypeViewerCtrlAltDel:
			viewer.RequestCtrlAltDel()

		case protocol.TypeViewerGetOptions:
			c.replyResult(msg.ID, viewer.ViewerOptions())
		}
	}, nil, viewer.Disconnect)
}

// streamToViewer answers viewer.streamDesktop: a result with the stream
// id, the chunks as binary frames, then viewer.streamEnded.
func (s *Server) streamToViewer(c *client, viewer *relay.Viewer, id string) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	video, err := viewer.StreamDesktopVideo(ctx)
	if err != nil {
		c.replyFailure(id, err)
		return
	}
	c.replyResult(id, protocol.StreamStartedData{StreamID: video.StreamID})

	frames := 0
	for chunk := range video.Chunks {
		frame, err := protocol.EncodeFrame(video.StreamID, chunk)
		if err != nil {
			log.Error("failed to frame video chunk", logging.KeyStreamID, video.StreamID, logging.KeyError, err)
			return
		}
		if err := c.enqueueBinary(ctx, frame); err != nil {
			return
		}
		frames++
	}
	if ctx.Err() != nil {
		return
	}

	msg, err := protocol.NewMessage(protocol.TypeViewerStreamEnded, protocol.StreamEndedPayload{
		StreamID: video.StreamID,
		Reason:   "ended",
	})
	if err == nil {
		c.reply(msg)
	}
	log.Debug("viewer stream finished", logging.KeyStreamID, video.StreamID, logging.KeyConnID, c.id, "frames", frames)
}

// authorizeViewer decides whether a viewer may open a connection and who
// it is. Basic credentials, when sent, must be valid. Without them the
// viewer is anonymous, which is refused when the server requires
// authentication unless a valid one-time passcode is presented.
func (s *Server) authorizeViewer(r *http.Request) (string, bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		if s.Directory.SignIn(user, pass) != directory.SignInSucceeded {
			log.Warn("viewer sign-in failed", "userName", user, logging.KeyRemoteAddr, r.RemoteAddr)
			return "", false
		}
		return user, true
	}

	if !s.Directory.Settings().RemoteControlRequiresAuthentication {
		return "", true
	}

	code := r.URL.Query().Get("otp")
	if code == "" || s.OTP == nil {
		return "", false
	}
	if _, ok := s.OTP.Redeem(code); !ok {
		log.Warn("viewer presented an invalid passcode", logging.KeyRemoteAddr, r.RemoteAddr)
		return "", false
	}
	return "", true
}
