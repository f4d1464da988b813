package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/roost/pkg/types"
)

// TestDeliveryInPublishOrder tests that events from one publisher arrive at
// the handler in the order they were published.
func TestDeliveryInPublishOrder(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var got []*types.Container
	done := make(chan struct{})

	d.OnNewContainerRequest(func(e NewContainerRequest) {
		mu.Lock()
		got = append(got, e.Replaced)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	d.Start()
	defer d.Stop()

	first := &types.Container{ID: "c1"}
	second := &types.Container{ID: "c2"}
	d.Publish(NewContainerRequest{Replaced: first})
	d.Publish(NewContainerRequest{Replaced: second})
	d.Publish(NewContainerRequest{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])
	assert.Nil(t, got[2])
}

// TestHandlersReceiveOnlyTheirType tests that each event type reaches only
// the handlers registered for it.
func TestHandlersReceiveOnlyTheirType(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var newContainer, containerShutdown, masterShutdown int
	done := make(chan struct{})

	d.OnNewContainerRequest(func(NewContainerRequest) {
		mu.Lock()
		newContainer++
		mu.Unlock()
	})
	d.OnContainerShutdownRequest(func(ContainerShutdownRequest) {
		mu.Lock()
		containerShutdown++
		mu.Unlock()
	})
	d.OnApplicationMasterShutdownRequest(func(ApplicationMasterShutdownRequest) {
		mu.Lock()
		masterShutdown++
		mu.Unlock()
		close(done)
	})
	d.Start()
	defer d.Stop()

	d.Publish(NewContainerRequest{})
	d.Publish(NewContainerRequest{})
	d.Publish(ContainerShutdownRequest{})
	d.Publish(ApplicationMasterShutdownRequest{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, newContainer)
	assert.Equal(t, 1, containerShutdown)
	assert.Equal(t, 1, masterShutdown)
}

// TestPublishFromHandlerDoesNotDeadlock tests that a handler may publish a
// follow-up event; delivery runs on a separate goroutine so the nested
// publish only enqueues.
func TestPublishFromHandlerDoesNotDeadlock(t *testing.T) {
	d := NewDispatcher()

	done := make(chan struct{})
	d.OnContainerShutdownRequest(func(ContainerShutdownRequest) {
		d.Publish(NewContainerRequest{})
	})
	d.OnNewContainerRequest(func(NewContainerRequest) {
		close(done)
	})
	d.Start()
	defer d.Stop()

	d.Publish(ContainerShutdownRequest{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant publish did not complete")
	}
}

// TestPublishAfterStopDoesNotBlock tests that a publish racing shutdown
// returns instead of hanging on the queue.
func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	d := NewDispatcher()
	d.Start()
	d.Stop()

	finished := make(chan struct{})
	go func() {
		d.Publish(NewContainerRequest{})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
