package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"relaybroker/internal/logging"
)

var log = logging.L("stream")

var (
	ErrStreamTimeout   = errors.New("stream: timed out waiting for producer")
	ErrStreamReleased  = errors.New("stream: consumer released the stream")
	ErrDuplicateStream = errors.New("stream: producer already registered")
	ErrProducerClosed  = errors.New("stream: producer closed")
)

// Signaler pairs one producer with one consumer for a stream id. The
// producer's chunk channel arrives lazily; the end signal is released by the
// consumer when it stops draining.
type Signaler struct {
	streamID string

	mu           sync.Mutex
	consumerID   string
	chunks       <-chan []byte
	registeredAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	end       chan struct{}
	endOnce   sync.Once
}

func newSignaler(streamID string) *Signaler {
	return &Signaler{
		streamID: streamID,
		ready:    make(chan struct{}),
		end:      make(chan struct{}),
	}
}

// Stream returns the producer's ordered chunk sequence. It is nil until a
// producer registers.
func (s *Signaler) Stream() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Release signals end-of-consumption. Safe to call more than once.
func (s *Signaler) Release() {
	s.endOnce.Do(func() { close(s.end) })
}

// Released is closed once the consumer has released the stream.
func (s *Signaler) Released() <-chan struct{} { return s.end }

// idleSince is how long a registered, unclaimed producer has waited for a
// consumer. It is zero otherwise.
func (s *Signaler) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks == nil || s.consumerID != "" {
		return 0
	}
	return now.Sub(s.registeredAt)
}

// Broker hands a producer's stream to the consumer waiting on the same
// stream id, across two independent connections.
type Broker struct {
	mu        sync.Mutex
	signalers map[string]*Signaler
	idleTTL   time.Duration
}

// NewBroker creates a broker. Registrations nobody consumes are released
// after idleTTL by Run.
func NewBroker(idleTTL time.Duration) *Broker {
	return &Broker{
		signalers: make(map[string]*Signaler),
		idleTTL:   idleTTL,
	}
}

func (b *Broker) getOrAdd(streamID string) *Signaler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.signalers[streamID]; ok {
		return s
	}
	s := newSignaler(streamID)
	b.signalers[streamID] = s
	return s
}

func (b *Broker) removeIf(streamID string, s *Signaler) {
	b.mu.Lock()
	if cur, ok := b.signalers[streamID]; ok && cur == s {
		delete(b.signalers, streamID)
	}
	b.mu.Unlock()
}

// AwaitStream blocks until a producer registers streamID, timeout elapses,
// or ctx is cancelled. On timeout it returns ErrStreamTimeout; on
// cancellation ctx.Err(). Either way the entry is freed and released so a
// late producer stops pushing.
func (b *Broker) AwaitStream(ctx context.Context, streamID, consumerID string, timeout time.Duration) (*Signaler, error) {
	s := b.getOrAdd(streamID)
	s.mu.Lock()
	s.consumerID = consumerID
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		b.removeIf(streamID, s)
		return s, nil
	case <-timer.C:
		b.removeIf(streamID, s)
		s.Release()
		log.Warn("timed out waiting for desktop stream",
			logging.KeyStreamID, streamID, logging.KeyConnID, consumerID)
		return nil, ErrStreamTimeout
	case <-ctx.Done():
		b.removeIf(streamID, s)
		s.Release()
		return nil, ctx.Err()
	}
}

// RegisterStream attaches the producer's chunk channel to streamID and wakes
// any waiting consumer.
func (b *Broker) RegisterStream(streamID string, chunks <-chan []byte) (*Signaler, error) {
	s := b.getOrAdd(streamID)

	s.mu.Lock()
	if s.chunks != nil {
		s.mu.Unlock()
		return nil, ErrDuplicateStream
	}
	s.chunks = chunks
	s.registeredAt = time.Now()
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	return s, nil
}

// Open registers a new buffered producer for streamID.
func (b *Broker) Open(streamID string, buffer int) (*Producer, error) {
	ch := make(chan []byte, buffer)
	s, err := b.RegisterStream(streamID, ch)
	if err != nil {
		return nil, err
	}
	return &Producer{sig: s, ch: ch, stop: make(chan struct{})}, nil
}

// Pending returns the number of stream ids with a waiter or an unconsumed
// producer.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signalers)
}

// Run garbage-collects unconsumed registrations until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	interval := b.idleTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := b.sweep(now); n > 0 {
				log.Info("released idle desktop streams", "count", n)
			}
		}
	}
}

// sweep releases producers that registered more than idleTTL ago and were
// never claimed by a consumer.
func (b *Broker) sweep(now time.Time) int {
	b.mu.Lock()
	var idle []*Signaler
	for id, s := range b.signalers {
		if s.idleSince(now) > b.idleTTL {
			idle = append(idle, s)
			delete(b.signalers, id)
		}
	}
	b.mu.Unlock()

	for _, s := range idle {
		s.Release()
	}
	return len(idle)
}

// Producer is the desktop side of a registered stream.
type Producer struct {
	sig *Signaler
	ch  chan []byte

	mu        sync.RWMutex
	closed    bool
	stop      chan struct{}
	closeOnce sync.Once
}

func (p *Producer) StreamID() string { return p.sig.streamID }

// Released is closed when the consumer stops draining.
func (p *Producer) Released() <-chan struct{} { return p.sig.Released() }

// Done is closed once Close has been called.
func (p *Producer) Done() <-chan struct{} { return p.stop }

// Push hands a chunk to the consumer, blocking on the consumer's pace. It
// returns ErrStreamReleased once the consumer has gone.
func (p *Producer) Push(ctx context.Context, chunk []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	select {
	case <-p.sig.end:
		return ErrStreamReleased
	default:
	}

	select {
	case p.ch <- chunk:
		return nil
	case <-p.sig.end:
		return ErrStreamReleased
	case <-p.stop:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the chunk sequence. Safe to call more than once and
// concurrently with Push.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
	})
}
