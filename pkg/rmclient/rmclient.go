// Package rmclient talks to the cluster resource manager on behalf of the
// supervisor. The REST implementation heartbeats once per second, carrying the
// outstanding container asks and the current progress, and translates the
// response into callbacks delivered on a single goroutine in arrival order.
package rmclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/metrics"
	"github.com/skylift/roost/pkg/types"
)

// DefaultHeartbeatInterval is how often the REST client polls the resource
// manager when the caller does not override it.
const DefaultHeartbeatInterval = time.Second

// shutdownCommand is the command string the resource manager sends in a
// heartbeat response when it wants the application master gone.
const shutdownCommand = "shutdown"

// Handler receives resource-manager events. All methods are invoked from one
// goroutine, in the order the events arrived; implementations must not block
// for long or they stall the heartbeat.
type Handler interface {
	// ContainersAllocated delivers newly granted containers.
	ContainersAllocated(containers []types.Container)
	// ContainersCompleted delivers terminal container statuses.
	ContainersCompleted(statuses []types.ContainerStatus)
	// NodesUpdated delivers node health and capability changes.
	NodesUpdated(reports []types.NodeReport)
	// ShutdownRequested signals an RM-initiated shutdown.
	ShutdownRequested()
	// Error reports a persistent transport failure. The client keeps
	// heartbeating; the handler decides whether to shut down.
	Error(err error)
	// Progress is sampled before every heartbeat and reported to the RM.
	Progress() float32
}

// Client is the resource-manager surface the supervisor consumes.
type Client interface {
	// SetHandler installs the callback handler. Must be called before Start.
	SetHandler(h Handler)
	// Start begins heartbeating. Register must still be called separately.
	Start() error
	// Stop halts the heartbeat loop and waits for it to exit.
	Stop() error
	// Register announces the application master and returns the cluster's
	// maximum container capability.
	Register(host string, rpcPort int, trackingURL string) (types.Capability, error)
	// Request queues a container ask; it rides out on the next heartbeat.
	Request(capability types.Capability, preferredNodes []string, priority int) error
	// Unregister reports the final application status to the RM.
	Unregister(status types.FinalStatus, diagnostics, trackingURL string) error
}

type ask struct {
	Capability     types.Capability `json:"capability"`
	PreferredNodes []string         `json:"preferredNodes,omitempty"`
	Priority       int              `json:"priority"`
}

type registerRequest struct {
	ApplicationID string `json:"applicationID"`
	Host          string `json:"host"`
	RPCPort       int    `json:"rpcPort"`
	TrackingURL   string `json:"trackingURL"`
}

type registerResponse struct {
	MaximumCapability types.Capability `json:"maximumCapability"`
}

type heartbeatRequest struct {
	ApplicationID string  `json:"applicationID"`
	Progress      float32 `json:"progress"`
	Asks          []ask   `json:"asks,omitempty"`
}

type heartbeatResponse struct {
	Allocated    []types.Container       `json:"allocated,omitempty"`
	Completed    []types.ContainerStatus `json:"completed,omitempty"`
	UpdatedNodes []types.NodeReport      `json:"updatedNodes,omitempty"`
	Command      string                  `json:"command,omitempty"`
}

type unregisterRequest struct {
	ApplicationID string            `json:"applicationID"`
	FinalStatus   types.FinalStatus `json:"finalStatus"`
	Diagnostics   string            `json:"diagnostics,omitempty"`
	TrackingURL   string            `json:"trackingURL,omitempty"`
}

// REST is the HTTP resource-manager client.
type REST struct {
	base     string
	appID    string
	http     *http.Client
	interval time.Duration
	handler  Handler
	log      zerolog.Logger

	mu   sync.Mutex
	asks []ask

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewREST creates a client for the resource manager at base, e.g.
// "http://rm:8088", heartbeating at DefaultHeartbeatInterval.
func NewREST(base, applicationID string) *REST {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &REST{
		base:     strings.TrimRight(base, "/"),
		appID:    applicationID,
		http:     rc.StandardClient(),
		interval: DefaultHeartbeatInterval,
		log:      log.WithComponent("rmclient"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetHeartbeatInterval overrides the poll interval. Call before Start.
func (r *REST) SetHeartbeatInterval(d time.Duration) {
	r.interval = d
}

// SetHandler installs the callback handler. Must be called before Start.
func (r *REST) SetHandler(h Handler) {
	r.handler = h
}

// Start launches the heartbeat goroutine.
func (r *REST) Start() error {
	if r.handler == nil {
		return fmt.Errorf("rmclient: start without a handler")
	}
	go r.heartbeatLoop()
	return nil
}

// Stop halts the heartbeat loop and waits for it to exit.
func (r *REST) Stop() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
	return nil
}

// Register announces the application master to the RM and returns the
// cluster's maximum container capability.
func (r *REST) Register(host string, rpcPort int, trackingURL string) (types.Capability, error) {
	var resp registerResponse
	err := r.post("/v1/master/register", registerRequest{
		ApplicationID: r.appID,
		Host:          host,
		RPCPort:       rpcPort,
		TrackingURL:   trackingURL,
	}, &resp)
	if err != nil {
		return types.Capability{}, fmt.Errorf("register application master: %w", err)
	}
	r.log.Info().
		Str("host", host).
		Str("max_capability", resp.MaximumCapability.String()).
		Msg("Registered with the resource manager")
	return resp.MaximumCapability, nil
}

// Request queues a container ask for the next heartbeat.
func (r *REST) Request(capability types.Capability, preferredNodes []string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asks = append(r.asks, ask{
		Capability:     capability,
		PreferredNodes: preferredNodes,
		Priority:       priority,
	})
	return nil
}

// Unregister reports the final application status.
func (r *REST) Unregister(status types.FinalStatus, diagnostics, trackingURL string) error {
	err := r.post("/v1/master/unregister", unregisterRequest{
		ApplicationID: r.appID,
		FinalStatus:   status,
		Diagnostics:   diagnostics,
		TrackingURL:   trackingURL,
	}, nil)
	if err != nil {
		return fmt.Errorf("unregister application master: %w", err)
	}
	return nil
}

// heartbeatLoop is the single callback-delivery goroutine. Every tick it
// drains the pending asks, posts a heartbeat, and invokes the handler with
// whatever the response carried.
func (r *REST) heartbeatLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *REST) heartbeat() {
	r.mu.Lock()
	pending := r.asks
	r.asks = nil
	r.mu.Unlock()

	req := heartbeatRequest{
		ApplicationID: r.appID,
		Progress:      r.handler.Progress(),
		Asks:          pending,
	}

	var resp heartbeatResponse
	operation := func() error {
		select {
		case <-r.stopCh:
			return backoff.Permanent(errStopped)
		default:
		}
		resp = heartbeatResponse{}
		metrics.HeartbeatsTotal.Inc()
		if err := r.post("/v1/master/heartbeat", req, &resp); err != nil {
			metrics.HeartbeatErrorsTotal.Inc()
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, policy); err != nil {
		if err == errStopped {
			return
		}
		// The asks never reached the RM; put them back for the next cycle.
		r.mu.Lock()
		r.asks = append(pending, r.asks...)
		r.mu.Unlock()
		r.log.Error().Err(err).Msg("Heartbeat failed after retries")
		r.handler.Error(err)
		return
	}

	if len(resp.UpdatedNodes) > 0 {
		r.handler.NodesUpdated(resp.UpdatedNodes)
	}
	if len(resp.Allocated) > 0 {
		r.handler.ContainersAllocated(resp.Allocated)
	}
	if len(resp.Completed) > 0 {
		r.handler.ContainersCompleted(resp.Completed)
	}
	if resp.Command == shutdownCommand {
		r.log.Info().Msg("Resource manager requested shutdown")
		r.handler.ShutdownRequested()
	}
}

var errStopped = fmt.Errorf("rmclient: stopped")

func (r *REST) post(endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := r.http.Post(r.base+endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", endpoint, err)
		}
	}
	return nil
}
