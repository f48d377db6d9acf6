package proactor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriberMapFIFOOrder(t *testing.T) {
	m := newSubscriberMap()

	h1 := &handler{}
	h2 := &handler{}
	h3 := &handler{}
	m.append(5, h1)
	m.append(5, h2)
	m.append(5, h3)

	require.Equal(t, 3, m.len(5))
	require.Same(t, h1, m.peekHead(5))
	m.popHead(5)
	require.Same(t, h2, m.peekHead(5))
	m.popHead(5)
	require.Same(t, h3, m.peekHead(5))
	m.popHead(5)
	require.Nil(t, m.peekHead(5))
	require.Equal(t, 0, m.len(5))
	require.True(t, m.has(5), "popHead retains the empty queue entry")
}

func TestSubscriberMapRemoveHandlerMidQueue(t *testing.T) {
	m := newSubscriberMap()

	h1 := &handler{}
	h2 := &handler{}
	h3 := &handler{}
	m.append(1, h1)
	m.append(1, h2)
	m.append(1, h3)

	m.removeHandler(1, h2)
	require.Equal(t, 2, m.len(1))
	require.Same(t, h1, m.peekHead(1))
	m.popHead(1)
	require.Same(t, h3, m.peekHead(1))
}

func TestSubscriberMapDrainReturnsFIFOAndClears(t *testing.T) {
	m := newSubscriberMap()

	h1 := &handler{}
	h2 := &handler{}
	m.append(9, h1)
	m.append(9, h2)

	drained := m.drain(9)
	require.Equal(t, []*handler{h1, h2}, drained)
	require.Equal(t, 0, m.len(9))
	require.True(t, m.has(9))
}

func TestSubscriberMapRemoveDropsQueueEntirely(t *testing.T) {
	m := newSubscriberMap()
	m.append(2, &handler{})
	require.True(t, m.has(2))
	m.remove(2)
	require.False(t, m.has(2))
}

func TestSubscriberMapFdsListsRegisteredSockets(t *testing.T) {
	m := newSubscriberMap()
	m.append(1, &handler{})
	m.append(2, &handler{})

	fds := m.fds()
	require.ElementsMatch(t, []int{1, 2}, fds)
}

func TestSubscriberMapIndependentPerDirectionLocking(t *testing.T) {
	// Read and write directions use independent subscriberMap instances
	// (spec §5's two mutex domains); concurrent appends to different
	// instances must never deadlock or corrupt each other's state.
	readQ := newSubscriberMap()
	writeQ := newSubscriberMap()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			readQ.append(1, &handler{})
		}()
		go func() {
			defer wg.Done()
			writeQ.append(1, &handler{})
		}()
	}
	wg.Wait()

	require.Equal(t, 100, readQ.len(1))
	require.Equal(t, 100, writeQ.len(1))
}
