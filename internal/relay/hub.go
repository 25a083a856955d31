// Package relay implements the viewer, desktop and agent channel roles.
// Each role is a per-connection handler; handlers for different
// connections share state only through the session registry, the agent
// registry and the stream broker.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relaybroker/internal/access"
	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/recording"
	"relaybroker/internal/session"
	"relaybroker/internal/stream"
)

var log = logging.L("relay")

// Clients delivers messages to other connections by id.
type Clients interface {
	Send(connID string, msg *protocol.Message) error
	// Request sends msg and waits for the result carrying the same id.
	Request(ctx context.Context, connID string, msg *protocol.Message) (*protocol.Message, error)
}

// Directory is the part of the identity collaborator the relay reads.
type Directory interface {
	Settings() directory.Settings
	Device(id string) (directory.Device, bool)
}

// Options tunes the bounded waits of the relay.
type Options struct {
	StreamWaitTimeout time.Duration
	ConsentTimeout    time.Duration
	ChunkBuffer       int
}

// Deps are the shared collaborators of all handlers.
type Deps struct {
	Sessions  *session.Registry
	Agents    *session.AgentRegistry
	Broker    *stream.Broker
	Gate      *access.Gate
	Directory Directory
	Clients   Clients
	// Sink is optional; nil disables recording.
	Sink recording.Sink
	Options
}

// Hub holds the shared collaborators and creates per-connection handlers.
type Hub struct {
	Deps
	// recCtx bounds recordings; it outlives individual viewers.
	recCtx context.Context
}

// NewHub creates a hub and installs it as the gate's consent prompter.
// recCtx is the server lifetime context.
func NewHub(recCtx context.Context, d Deps) *Hub {
	if d.ChunkBuffer < 1 {
		d.ChunkBuffer = 1
	}
	h := &Hub{Deps: d, recCtx: recCtx}
	if d.Gate != nil {
		d.Gate.SetPrompter(h)
	}
	return h
}

func (h *Hub) send(connID, msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.Clients.Send(connID, msg)
}

// notify is send for best-effort paths: failures are logged and dropped.
func (h *Hub) notify(connID, msgType string, payload interface{}) {
	if connID == "" {
		return
	}
	if err := h.send(connID, msgType, payload); err != nil {
		log.Debug("notification not delivered",
			"type", msgType, logging.KeyConnID, connID, logging.KeyError, err)
	}
}

func (h *Hub) settings() directory.Settings {
	if h.Directory == nil {
		return directory.Settings{}
	}
	return h.Directory.Settings()
}

// PromptForAccess asks the session's desktop whether caller may connect.
// A prompt the desktop does not answer within ConsentTimeout counts as
// timed out.
func (h *Hub) PromptForAccess(ctx context.Context, s *session.Session, caller access.Caller) (access.ConsentResult, error) {
	desktop := s.DesktopConnectionID()
	if desktop == "" {
		return "", ErrNotPaired
	}

	msg, err := protocol.NewRequest(protocol.TypeDesktopPromptForAccess, protocol.PromptForAccessPayload{
		SessionID:        s.ID(),
		ViewerID:         caller.ConnectionID,
		RequesterName:    caller.RequesterName,
		OrganizationName: s.Metadata().OrganizationName,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, h.ConsentTimeout)
	defer cancel()

	reply, err := h.Clients.Request(ctx, desktop, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return access.ConsentTimedOut, nil
		}
		return "", fmt.Errorf("relay: prompt desktop: %w", err)
	}

	var res protocol.ResultPayload
	if err := reply.Decode(&res); err != nil {
		return "", err
	}
	if !res.OK {
		return access.ConsentDenied, nil
	}
	var data protocol.ConsentData
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return "", fmt.Errorf("relay: consent reply: %w", err)
		}
	}
	switch r := access.ConsentResult(data.Result); r {
	case access.ConsentAccepted, access.ConsentTimedOut:
		return r, nil
	default:
		return access.ConsentDenied, nil
	}
}

// recorder tees relayed chunks into a recording sink without ever
// blocking the relay.
type recorder struct {
	ch       chan []byte
	streamID string
	dropped  int
}

const recordBuffer = 256

func (h *Hub) startRecording(s *session.Session, streamID string) *recorder {
	if h.Sink == nil || !h.settings().EnableRemoteControlRecording {
		return nil
	}
	meta := s.Metadata()
	rm := recording.Meta{
		OrganizationID: meta.OrganizationID,
		DeviceID:       meta.DeviceID,
		SessionID:      s.ID(),
		StreamID:       streamID,
		StartedAt:      time.Now().UTC(),
	}
	r := &recorder{ch: make(chan []byte, recordBuffer), streamID: streamID}

	go func() {
		err := h.Sink.Record(h.recCtx, rm, r.ch)
		switch {
		case err == nil:
			log.Info("session recording stored", logging.KeyStreamID, streamID)
		case errors.Is(err, context.Canceled):
			log.Info("session recording stopped", logging.KeyStreamID, streamID)
		default:
			log.Error("error while storing session recording",
				logging.KeyStreamID, streamID, logging.KeyError, err)
		}
		// Keep draining so close never races a blocked send.
		for range r.ch {
		}
	}()
	return r
}

func (r *recorder) push(chunk []byte) {
	if r == nil {
		return
	}
	select {
	case r.ch <- chunk:
	default:
		r.dropped++
	}
}

func (r *recorder) close() {
	if r == nil {
		return
	}
	close(r.ch)
	if r.dropped > 0 {
		log.Warn("recording dropped chunks", logging.KeyStreamID, r.streamID, "dropped", r.dropped)
	}
}
