package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitStream_TimesOutAfterBound(t *testing.T) {
	b := NewBroker(time.Minute)
	const bound = 80 * time.Millisecond

	start := time.Now()
	sig, err := b.AwaitStream(context.Background(), "s1", "viewer-1", bound)
	elapsed := time.Since(start)

	assert.Nil(t, sig)
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.GreaterOrEqual(t, elapsed, bound)
	assert.Less(t, elapsed, bound+time.Second)
	assert.Equal(t, 0, b.Pending())
}

func TestAwaitStream_ProducerFirst(t *testing.T) {
	b := NewBroker(time.Minute)
	p, err := b.Open("s1", 4)
	require.NoError(t, err)

	sig, err := b.AwaitStream(context.Background(), "s1", "viewer-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Pending())

	require.NoError(t, p.Push(context.Background(), []byte("a")))
	p.Close()

	var got []string
	for chunk := range sig.Stream() {
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"a"}, got)
}

func TestAwaitStream_ConsumerFirst(t *testing.T) {
	b := NewBroker(time.Minute)

	type result struct {
		sig *Signaler
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := b.AwaitStream(context.Background(), "s1", "viewer-1", 2*time.Second)
		done <- result{sig, err}
	}()

	time.Sleep(20 * time.Millisecond)
	p, err := b.Open("s1", 1)
	require.NoError(t, err)

	go func() {
		for _, c := range []string{"1", "2", "3"} {
			if err := p.Push(context.Background(), []byte(c)); err != nil {
				return
			}
		}
		p.Close()
	}()

	r := <-done
	require.NoError(t, r.err)

	var got []string
	for chunk := range r.sig.Stream() {
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestAwaitStream_CancelFreesEntry(t *testing.T) {
	b := NewBroker(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.AwaitStream(ctx, "s1", "viewer-1", time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("AwaitStream did not return after cancel")
	}
	assert.Equal(t, 0, b.Pending())
}

func TestRelease_StopsProducer(t *testing.T) {
	b := NewBroker(time.Minute)
	p, err := b.Open("s1", 1)
	require.NoError(t, err)

	sig, err := b.AwaitStream(context.Background(), "s1", "viewer-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Push(context.Background(), []byte("x")))

	pushErr := make(chan error, 1)
	go func() {
		// Buffer is full; this blocks until the consumer releases.
		pushErr <- p.Push(context.Background(), []byte("y"))
	}()

	time.Sleep(20 * time.Millisecond)
	sig.Release()
	sig.Release()

	select {
	case err := <-pushErr:
		assert.ErrorIs(t, err, ErrStreamReleased)
	case <-time.After(time.Second):
		t.Fatal("producer did not observe release")
	}

	select {
	case <-p.Released():
	default:
		t.Fatal("expected Released to be closed")
	}
}

func TestRegisterStream_Duplicate(t *testing.T) {
	b := NewBroker(time.Minute)
	_, err := b.Open("s1", 1)
	require.NoError(t, err)

	_, err = b.Open("s1", 1)
	assert.ErrorIs(t, err, ErrDuplicateStream)
}

func TestProducer_CloseIsIdempotent(t *testing.T) {
	b := NewBroker(time.Minute)
	p, err := b.Open("s1", 1)
	require.NoError(t, err)

	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Push(context.Background(), []byte("late")), ErrProducerClosed)
}

func TestSweep_ReleasesUnclaimedProducers(t *testing.T) {
	b := NewBroker(50 * time.Millisecond)
	p, err := b.Open("orphan", 1)
	require.NoError(t, err)

	assert.Equal(t, 0, b.sweep(time.Now()))
	assert.Equal(t, 1, b.sweep(time.Now().Add(time.Second)))
	assert.Equal(t, 0, b.Pending())

	err = p.Push(context.Background(), []byte("dropped"))
	assert.True(t, errors.Is(err, ErrStreamReleased))
}

func TestSweep_AgesFromRegistration(t *testing.T) {
	b := NewBroker(50 * time.Millisecond)
	b.getOrAdd("late")
	time.Sleep(100 * time.Millisecond)

	_, err := b.Open("late", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.sweep(time.Now()))
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 1, b.sweep(time.Now().Add(time.Second)))
}

func TestSweep_LeavesClaimedStreamsAlone(t *testing.T) {
	b := NewBroker(time.Millisecond)
	s := b.getOrAdd("claimed")
	s.mu.Lock()
	s.consumerID = "viewer-1"
	s.mu.Unlock()

	_, err := b.Open("claimed", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.sweep(time.Now().Add(time.Hour)))

	select {
	case <-s.Released():
		t.Fatal("claimed stream was released")
	default:
	}
}

func TestSweep_LeavesWaitersAlone(t *testing.T) {
	b := NewBroker(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.AwaitStream(ctx, "waiting", "viewer-1", time.Minute)
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, b.sweep(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, b.Pending())
}

func TestRun_StopsOnCancel(t *testing.T) {
	b := NewBroker(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	_, err := b.Open("orphan", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
