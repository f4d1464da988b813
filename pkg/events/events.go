package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/types"
)

// Event is implemented by the control events carried on the dispatcher.
type Event interface {
	eventType() string
}

// NewContainerRequest asks the supervisor to request one more container from
// the resource manager. Replaced, when set, is the completed container the
// new one stands in for; its node becomes the placement hint.
type NewContainerRequest struct {
	Replaced *types.Container
}

func (NewContainerRequest) eventType() string { return "container.request" }

// ContainerShutdownRequest asks the supervisor to stop the given containers.
type ContainerShutdownRequest struct {
	Containers []types.Container
}

func (ContainerShutdownRequest) eventType() string { return "container.shutdown" }

// ApplicationMasterShutdownRequest asks the supervisor to shut the whole
// application down.
type ApplicationMasterShutdownRequest struct{}

func (ApplicationMasterShutdownRequest) eventType() string { return "master.shutdown" }

type envelope struct {
	id    string
	event Event
}

// Dispatcher is a single-process control-event bus. Handlers are registered
// explicitly per event type; a single dispatch goroutine drains the queue so
// handlers may publish further events without deadlocking. Delivery is
// synchronous to all handlers of an event and ordered per publisher.
type Dispatcher struct {
	mu                sync.RWMutex
	newContainer      []func(NewContainerRequest)
	containerShutdown []func(ContainerShutdownRequest)
	masterShutdown    []func(ApplicationMasterShutdownRequest)

	queue  chan envelope
	stopCh chan struct{}
	done   chan struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queue:  make(chan envelope, 256),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops the dispatch loop. Queued events are dropped.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.done
}

// OnNewContainerRequest registers a handler for NewContainerRequest events
func (d *Dispatcher) OnNewContainerRequest(fn func(NewContainerRequest)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newContainer = append(d.newContainer, fn)
}

// OnContainerShutdownRequest registers a handler for ContainerShutdownRequest events
func (d *Dispatcher) OnContainerShutdownRequest(fn func(ContainerShutdownRequest)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containerShutdown = append(d.containerShutdown, fn)
}

// OnApplicationMasterShutdownRequest registers a handler for
// ApplicationMasterShutdownRequest events
func (d *Dispatcher) OnApplicationMasterShutdownRequest(fn func(ApplicationMasterShutdownRequest)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masterShutdown = append(d.masterShutdown, fn)
}

// Publish enqueues an event for delivery. Safe to call from inside a handler.
func (d *Dispatcher) Publish(event Event) {
	env := envelope{id: uuid.New().String(), event: event}
	select {
	case d.queue <- env:
	case <-d.stopCh:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case env := <-d.queue:
			d.deliver(env)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) deliver(env envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	log.Logger.Debug().
		Str("event_id", env.id).
		Str("event", env.event.eventType()).
		Msg("Dispatching control event")

	switch e := env.event.(type) {
	case NewContainerRequest:
		for _, fn := range d.newContainer {
			fn(e)
		}
	case ContainerShutdownRequest:
		for _, fn := range d.containerShutdown {
			fn(e)
		}
	case ApplicationMasterShutdownRequest:
		for _, fn := range d.masterShutdown {
			fn(e)
		}
	}
}
