package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"relaybroker/internal/protocol"
)

var (
	ErrNotConnected = errors.New("realtime: connection is not open")
	ErrQueueFull    = errors.New("realtime: send queue is full")
)

// Clients is the table of open connections. It delivers messages by
// connection id and correlates requests with their results.
type Clients struct {
	mu    sync.RWMutex
	conns map[string]*client

	pendingMu sync.Mutex
	pending   map[string]pendingRequest
}

// pendingRequest is a request waiting for the result of connID.
type pendingRequest struct {
	connID string
	reply  chan *protocol.Message
}

func NewClients() *Clients {
	return &Clients{
		conns:   make(map[string]*client),
		pending: make(map[string]pendingRequest),
	}
}

func (cs *Clients) add(c *client) {
	cs.mu.Lock()
	cs.conns[c.id] = c
	cs.mu.Unlock()
}

func (cs *Clients) remove(c *client) {
	cs.mu.Lock()
	if cs.conns[c.id] == c {
		delete(cs.conns, c.id)
	}
	cs.mu.Unlock()
}

func (cs *Clients) get(connID string) (*client, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[connID]
	return c, ok
}

// Len returns the number of open connections.
func (cs *Clients) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// Send queues msg on connID without blocking.
func (cs *Clients) Send(connID string, msg *protocol.Message) error {
	c, ok := cs.get(connID)
	if !ok {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueueText(data)
}

// Request sends msg and waits for a result with the same id. A missing id
// is filled in.
func (cs *Clients) Request(ctx context.Context, connID string, msg *protocol.Message) (*protocol.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	ch := make(chan *protocol.Message, 1)

	cs.pendingMu.Lock()
	cs.pending[msg.ID] = pendingRequest{connID: connID, reply: ch}
	cs.pendingMu.Unlock()
	defer func() {
		cs.pendingMu.Lock()
		delete(cs.pending, msg.ID)
		cs.pendingMu.Unlock()
	}()

	if err := cs.Send(connID, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands a result from connID to the request waiting on it. Results
// nobody is waiting for, or sent by another connection, are dropped.
func (cs *Clients) resolve(connID string, msg *protocol.Message) bool {
	cs.pendingMu.Lock()
	p, ok := cs.pending[msg.ID]
	if ok && p.connID != connID {
		ok = false
	}
	if ok {
		delete(cs.pending, msg.ID)
	}
	cs.pendingMu.Unlock()
	if !ok {
		return false
	}
	p.reply <- msg
	return true
}
