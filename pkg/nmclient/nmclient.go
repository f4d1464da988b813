// Package nmclient talks to the per-node node managers that host worker
// containers. Requests are asynchronous: they are queued to worker goroutines
// and the outcome arrives through the callback handler. Requests for the same
// container always land on the same worker, so callbacks are ordered per
// container.
package nmclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/skylift/roost/pkg/launcher"
	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/types"
)

// workerCount is the number of request-processing goroutines.
const workerCount = 8

// Handler receives node-manager outcomes. Callbacks for one container are
// delivered in request order; callbacks for different containers may
// interleave.
type Handler interface {
	// Started confirms a container launch was accepted.
	Started(id types.ContainerID)
	// StatusReceived delivers a polled container status. A status with state
	// COMPLETE means the node manager saw the process exit.
	StatusReceived(id types.ContainerID, status types.ContainerStatus)
	// Stopped confirms a stop request took effect.
	Stopped(id types.ContainerID)
	// StartError reports a failed launch.
	StartError(id types.ContainerID, err error)
	// StatusError reports a failed status poll.
	StatusError(id types.ContainerID, err error)
	// StopError reports a failed stop request.
	StopError(id types.ContainerID, err error)
}

// Client is the node-manager surface the supervisor consumes.
type Client interface {
	// SetHandler installs the callback handler. Must be called before Start.
	SetHandler(h Handler)
	// Start launches the request workers.
	Start() error
	// Stop drains the workers and waits for them to exit.
	Stop() error
	// StartContainer asynchronously launches a container with the given
	// launch context.
	StartContainer(c types.Container, lc *launcher.Context)
	// StopContainer asynchronously stops a running container.
	StopContainer(id types.ContainerID, node types.NodeID)
	// ContainerStatus asynchronously polls a container's status.
	ContainerStatus(id types.ContainerID, node types.NodeID)
}

type task func()

// REST is the HTTP node-manager client.
type REST struct {
	port    int
	http    *http.Client
	handler Handler
	log     zerolog.Logger

	queues   []chan task
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewREST creates a client that reaches every node manager on the given port.
func NewREST(nodeManagerPort int) *REST {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &REST{
		port: nodeManagerPort,
		http: rc.StandardClient(),
		log:  log.WithComponent("nmclient"),
	}
}

// SetHandler installs the callback handler. Must be called before Start.
func (r *REST) SetHandler(h Handler) {
	r.handler = h
}

// Start launches the request workers.
func (r *REST) Start() error {
	if r.handler == nil {
		return fmt.Errorf("nmclient: start without a handler")
	}
	r.queues = make([]chan task, workerCount)
	for i := range r.queues {
		q := make(chan task, 64)
		r.queues[i] = q
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range q {
				t()
			}
		}()
	}
	return nil
}

// Stop closes the request queues and waits for in-flight requests to finish.
func (r *REST) Stop() error {
	r.stopOnce.Do(func() {
		for _, q := range r.queues {
			close(q)
		}
	})
	r.wg.Wait()
	return nil
}

// StartContainer asynchronously launches a container.
func (r *REST) StartContainer(c types.Container, lc *launcher.Context) {
	r.submit(c.ID, func() {
		if err := r.post(c.Node, c.ID, "start", lc, nil); err != nil {
			r.handler.StartError(c.ID, fmt.Errorf("start container %s on %s: %w", c.ID, c.Node, err))
			return
		}
		r.handler.Started(c.ID)
	})
}

// StopContainer asynchronously stops a container.
func (r *REST) StopContainer(id types.ContainerID, node types.NodeID) {
	r.submit(id, func() {
		if err := r.post(node, id, "stop", nil, nil); err != nil {
			r.handler.StopError(id, fmt.Errorf("stop container %s on %s: %w", id, node, err))
			return
		}
		r.handler.Stopped(id)
	})
}

// ContainerStatus asynchronously polls a container's status.
func (r *REST) ContainerStatus(id types.ContainerID, node types.NodeID) {
	r.submit(id, func() {
		var status types.ContainerStatus
		if err := r.get(node, id, "status", &status); err != nil {
			r.handler.StatusError(id, fmt.Errorf("status of container %s on %s: %w", id, node, err))
			return
		}
		r.handler.StatusReceived(id, status)
	})
}

// submit routes a task to the worker owning this container id. Submitting
// after Stop drops the task with a warning instead of panicking on a closed
// channel.
func (r *REST) submit(id types.ContainerID, t task) {
	h := fnv.New32a()
	h.Write([]byte(id))
	q := r.queues[h.Sum32()%workerCount]

	defer func() {
		if recover() != nil {
			r.log.Warn().Str("container_id", string(id)).Msg("Node manager client stopped, dropping request")
		}
	}()
	q <- t
}

func (r *REST) containerURL(node types.NodeID, id types.ContainerID, op string) string {
	return fmt.Sprintf("http://%s:%d/v1/containers/%s/%s", node.Host, r.port, id, op)
}

func (r *REST) post(node types.NodeID, id types.ContainerID, op string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, err := r.http.Post(r.containerURL(node, id, op), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return r.finish(resp, out)
}

func (r *REST) get(node types.NodeID, id types.ContainerID, op string, out interface{}) error {
	resp, err := r.http.Get(r.containerURL(node, id, op))
	if err != nil {
		return err
	}
	return r.finish(resp, out)
}

func (r *REST) finish(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
