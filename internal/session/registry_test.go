package session

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetNotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry()
	s := NewUnattended(UnattendedParams{})

	r.Put(s.ID(), s)
	got, ok := r.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove(s.ID())
	_, ok = r.Get(s.ID())
	assert.False(t, ok)

	// Removing twice is harmless.
	r.Remove(s.ID())
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry()
	const callers = 64

	var factoryCalls, createdCount atomic.Int32
	results := make([]*Session, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, created := r.GetOrCreate("123456", func() *Session {
				factoryCalls.Add(1)
				return NewAttended("123456", "desktop-1", "host")
			})
			if created {
				createdCount.Add(1)
			}
			results[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), createdCount.Load())
	assert.Equal(t, int32(1), factoryCalls.Load())
	assert.Equal(t, 1, r.Len())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestRegistry_RemoveIf(t *testing.T) {
	r := NewRegistry()
	old := NewAttended("code", "d1", "")
	replacement := NewAttended("code", "d2", "")

	r.Put("code", old)
	r.Put("code", replacement)

	assert.False(t, r.RemoveIf("code", old))
	_, ok := r.Get("code")
	assert.True(t, ok)

	assert.True(t, r.RemoveIf("code", replacement))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CountWhere(t *testing.T) {
	r := NewRegistry()
	for _, org := range []string{"O1", "O1", "O2"} {
		s := NewUnattended(UnattendedParams{Metadata: Metadata{OrganizationID: org}})
		r.Put(s.ID(), s)
	}

	n := r.CountWhere(func(s *Session) bool { return s.Metadata().OrganizationID == "O1" })
	assert.Equal(t, 2, n)
	assert.Len(t, r.List(), 3)
}

func TestRegistry_GetRacingRemove(t *testing.T) {
	r := NewRegistry()
	s := NewUnattended(UnattendedParams{Metadata: Metadata{DeviceID: "D1"}})
	r.Put(s.ID(), s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if got, ok := r.Get(s.ID()); ok {
				assert.Equal(t, "D1", got.Metadata().DeviceID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Remove(s.ID())
			r.Put(s.ID(), s)
		}
	}()
	wg.Wait()
}

func TestAgentRegistry(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(Agent{DeviceID: "D1", OrganizationID: "O1", ConnectionID: "a1"})

	a, ok := r.Lookup("D1")
	require.True(t, ok)
	assert.Equal(t, "a1", a.ConnectionID)
	assert.False(t, a.ConnectedAt.IsZero())

	// Agent reconnects on a new connection; the old disconnect must not evict it.
	r.Register(Agent{DeviceID: "D1", OrganizationID: "O1", ConnectionID: "a2"})
	assert.False(t, r.Unregister("D1", "a1"))
	a, ok = r.Lookup("D1")
	require.True(t, ok)
	assert.Equal(t, "a2", a.ConnectionID)

	assert.True(t, r.Unregister("D1", "a2"))
	_, ok = r.Lookup("D1")
	assert.False(t, ok)
	assert.Empty(t, r.List())

	r.Register(Agent{DeviceID: "D2", ConnectionID: "b"})
	r.Register(Agent{DeviceID: "D1", ConnectionID: "a"})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "D1", list[0].DeviceID)
	assert.Equal(t, "D2", list[1].DeviceID)
}

func TestRegistry_EndedHistory(t *testing.T) {
	r := NewRegistry()
	a := NewAttended("111111", "desk-1", "host-a")
	b := NewUnattended(UnattendedParams{Metadata: Metadata{DeviceID: "D1"}})
	r.Put(a.ID(), a)
	r.Put(b.ID(), b)

	// A stale owner cannot retire the successor.
	assert.False(t, r.RemoveIf(a.ID(), NewAttended("111111", "desk-2", "host-a")))
	assert.Empty(t, r.Ended())

	require.True(t, r.RemoveIf(a.ID(), a))
	r.Remove(b.ID())
	r.Remove("missing")

	ended := r.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "111111", ended[0].ID)
	assert.Equal(t, "host-a", ended[0].MachineName)
	assert.Equal(t, b.ID(), ended[1].ID)
	assert.Equal(t, "D1", ended[1].DeviceID)
	assert.False(t, ended[1].EndedAt.IsZero())
}
