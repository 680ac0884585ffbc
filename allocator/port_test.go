package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticPortLister struct {
	ports []int
}

func (s *staticPortLister) ActivePorts(ctx context.Context, providerID string) ([]int, error) {
	return s.ports, nil
}

type memoryReservations struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMemoryReservations() *memoryReservations {
	return &memoryReservations{
		held: make(map[string]struct{}),
	}
}

func (m *memoryReservations) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return false, nil
	}
	m.held[key] = struct{}{}
	return true, nil
}

func (m *memoryReservations) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

func newTestAllocator(t *testing.T, lister PortLister, reservations Reservations) *PortAllocator {
	a, err := NewPortAllocator(PortAllocatorOptions{
		Ports:        lister,
		Reservations: reservations,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return a
}

func TestAllocateRespectsRangeAndGranularity(t *testing.T) {
	a := newTestAllocator(t, &staticPortLister{}, newMemoryReservations())

	for i := 0; i < 20; i++ {
		port, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27100, Granularity: 8})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 27000)
		assert.LessOrEqual(t, port, 27100)
		assert.Zero(t, port%8)
		a.Release(context.Background(), "syd-1", port)
	}
}

func TestAllocateFindsTheSingleFreePort(t *testing.T) {
	// range [27000, 27001] with granularity 2 only ever yields 27000
	lister := &staticPortLister{}
	a := newTestAllocator(t, lister, newMemoryReservations())

	port, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	require.NoError(t, err)
	assert.Equal(t, 27000, port)
}

func TestAllocateSkipsPortsInUse(t *testing.T) {
	lister := &staticPortLister{ports: []int{27000}}
	a := newTestAllocator(t, lister, newMemoryReservations())

	_, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	assert.Error(t, err)
}

func TestAllocateFailsWhenRangeExhausted(t *testing.T) {
	reservations := newMemoryReservations()
	a := newTestAllocator(t, &staticPortLister{}, reservations)

	port, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	require.NoError(t, err)
	require.Equal(t, 27000, port)

	// the only candidate is now reserved
	_, err = a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	assert.Error(t, err)
}

func TestAllocateRejectsInvalidRange(t *testing.T) {
	a := newTestAllocator(t, &staticPortLister{}, newMemoryReservations())

	_, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 0, Max: 100})
	assert.Error(t, err)
	_, err = a.Allocate(context.Background(), "syd-1", PortRange{Min: 28000, Max: 27000})
	assert.Error(t, err)
}

func TestAllocationsDoNotCollideAcrossProviders(t *testing.T) {
	reservations := newMemoryReservations()
	a := newTestAllocator(t, &staticPortLister{}, reservations)

	first, err := a.Allocate(context.Background(), "syd-1", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	require.NoError(t, err)

	// the same port is still free on a different provider
	second, err := a.Allocate(context.Background(), "syd-2", PortRange{Min: 27000, Max: 27001, Granularity: 2})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
