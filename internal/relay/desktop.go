package relay

import (
	"context"
	"encoding/json"
	"sync"

	"relaybroker/internal/access"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/session"
	"relaybroker/internal/stream"
)

const attendedCodeAttempts = 10

// Desktop is the handler for one desktop connection.
type Desktop struct {
	hub    *Hub
	connID string

	mu           sync.Mutex
	sessionID    string
	producers    map[string]*stream.Producer
	disconnected bool
}

func (h *Hub) NewDesktop(connID string) *Desktop {
	return &Desktop{hub: h, connID: connID, producers: make(map[string]*stream.Producer)}
}

func (d *Desktop) current() *session.Session {
	d.mu.Lock()
	sid := d.sessionID
	d.mu.Unlock()
	if sid == "" {
		return nil
	}
	s, ok := d.hub.Sessions.Get(sid)
	if !ok {
		return nil
	}
	return s
}

func (d *Desktop) bind(sid string) {
	d.mu.Lock()
	d.sessionID = sid
	d.mu.Unlock()
}

// AnnounceUnattended adopts the unattended session the agent launched this
// desktop for. Any previous desktop pairing is replaced and its viewers are
// told; the bootstrap waiting on the session is released.
func (d *Desktop) AnnounceUnattended(ctx context.Context, p protocol.DesktopUnattendedPayload) error {
	s, ok := d.hub.Sessions.Get(p.SessionID)
	if !ok {
		return access.ErrSessionNotFound
	}
	if s.Mode() != session.ModeUnattended || p.AccessKey != s.AccessKey() {
		log.Error("desktop presented a bad access key",
			logging.KeySessionID, p.SessionID, logging.KeyConnID, d.connID)
		return access.ErrAccessKeyMismatch
	}

	prev, stale := s.ReplaceDesktop(d.connID)
	for _, viewerID := range stale {
		d.hub.notify(viewerID, protocol.TypeViewerDesktopDisconnected,
			protocol.DesktopDisconnectedPayload{SessionID: s.ID()})
	}
	if p.MachineName != "" {
		s.SetMachineName(p.MachineName)
	}
	d.bind(s.ID())
	s.SignalReady()

	log.Info("unattended desktop connected",
		logging.KeySessionID, s.ID(),
		logging.KeyConnID, d.connID,
		"previousDesktop", prev,
		"staleViewers", len(stale),
	)
	return nil
}

// AnnounceAttended opens an attended session under a fresh numeric code
// and returns the code for the person at the desktop to share.
func (d *Desktop) AnnounceAttended(ctx context.Context, p protocol.DesktopAttendedPayload) (string, error) {
	if old := d.current(); old != nil {
		d.leave(old)
	}

	for i := 0; i < attendedCodeAttempts; i++ {
		code := session.GenerateAttendedCode()
		_, created := d.hub.Sessions.GetOrCreate(code, func() *session.Session {
			return session.NewAttended(code, d.connID, p.MachineName)
		})
		if created {
			d.bind(code)
			log.Info("attended session opened",
				logging.KeySessionID, code, logging.KeyConnID, d.connID, "machineName", p.MachineName)
			return code, nil
		}
	}
	return "", ErrNoAttendedCode
}

// BeginStream registers a producer for streamID with the broker. When the
// consumer releases the stream the desktop is told to stop.
func (d *Desktop) BeginStream(streamID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.producers[streamID]; ok {
		return stream.ErrDuplicateStream
	}
	p, err := d.hub.Broker.Open(streamID, d.hub.ChunkBuffer)
	if err != nil {
		return err
	}
	d.producers[streamID] = p
	go d.watchRelease(p)
	return nil
}

func (d *Desktop) watchRelease(p *stream.Producer) {
	select {
	case <-p.Released():
	case <-p.Done():
		return
	}
	d.mu.Lock()
	if d.producers[p.StreamID()] == p {
		delete(d.producers, p.StreamID())
	}
	d.mu.Unlock()
	p.Close()

	d.hub.notify(d.connID, protocol.TypeDesktopStreamReleased, protocol.StreamPayload{StreamID: p.StreamID()})
	log.Debug("desktop stream released", logging.KeyStreamID, p.StreamID(), logging.KeyConnID, d.connID)
}

func (d *Desktop) producer(streamID string) *stream.Producer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.producers[streamID]
}

// PushChunk forwards one video chunk. It blocks at the consumer's pace.
func (d *Desktop) PushChunk(ctx context.Context, streamID string, chunk []byte) error {
	p := d.producer(streamID)
	if p == nil {
		return ErrUnknownStream
	}
	return p.Push(ctx, chunk)
}

// EndStream closes the chunk sequence for streamID.
func (d *Desktop) EndStream(streamID string) error {
	d.mu.Lock()
	p, ok := d.producers[streamID]
	delete(d.producers, streamID)
	d.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}
	p.Close()
	return nil
}

// RelayToViewer forwards an opaque message to a viewer of this desktop's
// session. Viewers not registered on the session are not reachable.
func (d *Desktop) RelayToViewer(viewerID string, data json.RawMessage) {
	s := d.current()
	if s == nil || !s.HasViewer(viewerID) {
		return
	}
	d.hub.notify(viewerID, protocol.TypeViewerDto, protocol.DtoPayload{Data: data})
}

// Disconnect ends open streams, invalidates the pairing, tells the viewers
// and removes the session. Safe to call more than once.
func (d *Desktop) Disconnect() {
	d.mu.Lock()
	if d.disconnected {
		d.mu.Unlock()
		return
	}
	d.disconnected = true
	producers := d.producers
	d.producers = make(map[string]*stream.Producer)
	d.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	if s := d.current(); s != nil {
		d.leave(s)
	}
}

// leave drops this desktop from s. The session only goes away if this
// connection was still its desktop.
func (d *Desktop) leave(s *session.Session) {
	viewers, ok := s.ClearDesktop(d.connID)
	if !ok {
		return
	}
	for _, viewerID := range viewers {
		d.hub.notify(viewerID, protocol.TypeViewerDesktopDisconnected,
			protocol.DesktopDisconnectedPayload{SessionID: s.ID()})
	}
	d.hub.Sessions.RemoveIf(s.ID(), s)
	log.Info("desktop left session",
		logging.KeySessionID, s.ID(), logging.KeyConnID, d.connID, "viewers", len(viewers))
}
