package supervisor

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skylift/roost/pkg/config"
	"github.com/skylift/roost/pkg/events"
	"github.com/skylift/roost/pkg/identity"
	"github.com/skylift/roost/pkg/launcher"
	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/metrics"
	"github.com/skylift/roost/pkg/nmclient"
	"github.com/skylift/roost/pkg/rmclient"
	"github.com/skylift/roost/pkg/types"
)

const (
	// launchPoolSize is the number of goroutines building launch contexts and
	// dispatching container starts.
	launchPoolSize = 10

	// defaultStopTimeout bounds how long Stop waits for the node managers to
	// confirm every container stopped.
	defaultStopTimeout = 5 * time.Minute
)

// ErrCapabilityUnknown is returned when a container request is made before
// registration published the cluster's maximum capability.
var ErrCapabilityUnknown = fmt.Errorf("maximum container capability not yet known")

// Phase is the supervisor lifecycle phase.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseRegistering
	PhaseFilling
	PhaseRunning
	PhaseStopping
	PhaseStopped
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRegistering:
		return "registering"
	case PhaseFilling:
		return "filling"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ContextBuilder builds the launch descriptor for a granted container.
type ContextBuilder interface {
	Build(c types.Container, instance string) (*launcher.Context, error)
}

type containerRecord struct {
	container types.Container
	instance  string
}

type launchTask struct {
	container types.Container
	instance  string
}

// ContainerInfo is one entry in a fleet snapshot.
type ContainerInfo struct {
	ID       types.ContainerID `json:"id"`
	Instance string            `json:"instance"`
	Host     string            `json:"host"`
}

// Status is a point-in-time fleet snapshot for the admin endpoint.
type Status struct {
	Phase      string          `json:"phase"`
	Containers []ContainerInfo `json:"containers"`
}

// Supervisor keeps the worker fleet at the configured size: it requests
// containers from the resource manager, launches a worker in each grant, and
// replaces completed containers under stable instance names until retries run
// out.
type Supervisor struct {
	cfg        *config.Config
	rm         rmclient.Client
	nm         nmclient.Client
	builder    ContextBuilder
	dispatcher *events.Dispatcher
	registry   *identity.Registry
	log        zerolog.Logger

	phase             atomic.Int32
	shutdownRequested atomic.Bool
	capability        atomic.Pointer[types.Capability]

	mu     sync.Mutex
	record map[types.ContainerID]containerRecord

	launchQueue  chan launchTask
	launchStopCh chan struct{}
	launchWG     sync.WaitGroup

	allStopped   chan struct{}
	stoppedOnce  sync.Once
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once

	stopTimeout time.Duration
}

// New wires a supervisor from its collaborators. Clients must not be started;
// Start owns their lifecycle.
func New(cfg *config.Config, rm rmclient.Client, nm nmclient.Client, builder ContextBuilder,
	dispatcher *events.Dispatcher, registry *identity.Registry) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		rm:           rm,
		nm:           nm,
		builder:      builder,
		dispatcher:   dispatcher,
		registry:     registry,
		log:          log.WithComponent("supervisor"),
		record:       make(map[types.ContainerID]containerRecord),
		launchQueue:  make(chan launchTask, launchPoolSize),
		launchStopCh: make(chan struct{}),
		allStopped:   make(chan struct{}),
		shutdownCh:   make(chan struct{}),
		stopTimeout:  defaultStopTimeout,
	}
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

// ShutdownRequested returns a channel closed when a shutdown has been
// requested, by the resource manager or a persistent transport failure. The
// caller is expected to invoke Stop.
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Start registers with the resource manager, starts the clients and the
// launch pool, and issues the initial container requests. Synchronous; an
// error is returned to the caller as it occurs, and the dispatcher and clients
// already started by then are not stopped.
func (s *Supervisor) Start() error {
	s.phase.Store(int32(PhaseRegistering))

	s.dispatcher.OnNewContainerRequest(s.handleNewContainerRequest)
	s.dispatcher.OnContainerShutdownRequest(s.handleContainerShutdownRequest)
	s.dispatcher.OnApplicationMasterShutdownRequest(s.handleMasterShutdownRequest)
	s.dispatcher.Start()

	s.rm.SetHandler(&rmHandler{s: s})
	s.nm.SetHandler(&nmHandler{s: s})

	if err := s.nm.Start(); err != nil {
		return fmt.Errorf("start node manager client: %w", err)
	}
	if err := s.rm.Start(); err != nil {
		return fmt.Errorf("start resource manager client: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}
	capability, err := s.rm.Register(host, -1, "")
	if err != nil {
		return err
	}
	s.capability.Store(&capability)
	s.log.Info().
		Str("max_capability", capability.String()).
		Msg("Application master registered")

	for i := 0; i < launchPoolSize; i++ {
		s.launchWG.Add(1)
		go s.launchWorker()
	}

	s.phase.Store(int32(PhaseFilling))
	for i := 0; i < s.cfg.InitialContainers; i++ {
		s.dispatcher.Publish(events.NewContainerRequest{})
	}
	return nil
}

// Stop winds the application down: no new launches, a stop for every tracked
// container, a bounded wait for the node managers to confirm, then an
// unregister with the resource manager. Unregister errors are logged and
// suppressed so teardown always completes.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Supervisor) stop() {
	s.phase.Store(int32(PhaseStopping))
	s.shutdownRequested.Store(true)
	close(s.launchStopCh)

	s.mu.Lock()
	containers := make([]types.Container, 0, len(s.record))
	for _, rec := range s.record {
		containers = append(containers, rec.container)
	}
	s.mu.Unlock()

	if len(containers) > 0 {
		s.log.Info().Int("containers", len(containers)).Msg("Stopping all containers")
		s.dispatcher.Publish(events.ContainerShutdownRequest{Containers: containers})

		select {
		case <-s.allStopped:
			s.log.Info().Msg("All containers stopped")
		case <-time.After(s.stopTimeout):
			s.log.Warn().
				Dur("timeout", s.stopTimeout).
				Msg("Timed out waiting for containers to stop, unregistering anyway")
		}
	}

	if err := s.rm.Unregister(types.FinalStatusSucceeded, "", ""); err != nil {
		s.log.Error().Err(err).Msg("Failed to unregister application master")
	}

	if err := s.rm.Stop(); err != nil {
		s.log.Error().Err(err).Msg("Failed to stop resource manager client")
	}
	if err := s.nm.Stop(); err != nil {
		s.log.Error().Err(err).Msg("Failed to stop node manager client")
	}
	s.launchWG.Wait()
	s.dispatcher.Stop()

	s.phase.Store(int32(PhaseStopped))
	s.log.Info().Msg("Supervisor stopped")
}

// Fleet returns a snapshot of the tracked containers, sorted by instance
// name.
func (s *Supervisor) Fleet() Status {
	s.mu.Lock()
	infos := make([]ContainerInfo, 0, len(s.record))
	for id, rec := range s.record {
		infos = append(infos, ContainerInfo{
			ID:       id,
			Instance: rec.instance,
			Host:     rec.container.Node.Host,
		})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Instance < infos[j].Instance })
	return Status{Phase: s.Phase().String(), Containers: infos}
}

// handleNewContainerRequest issues one container request to the resource
// manager, clamped to the cluster's maximum capability. Runs on the
// event-dispatch goroutine.
func (s *Supervisor) handleNewContainerRequest(e events.NewContainerRequest) {
	if s.Phase() >= PhaseStopping {
		return
	}
	if err := s.requestContainer(e.Replaced); err != nil {
		s.log.Error().Err(err).Msg("Failed to request a container")
	}
}

func (s *Supervisor) requestContainer(replaced *types.Container) error {
	max := s.capability.Load()
	if max == nil {
		return ErrCapabilityUnknown
	}

	capability := types.Capability{
		MemoryMB:     s.cfg.ContainerMemoryMB,
		VirtualCores: s.cfg.ContainerCores,
	}
	if capability.MemoryMB > max.MemoryMB {
		capability.MemoryMB = max.MemoryMB
	}
	if capability.VirtualCores > max.VirtualCores {
		capability.VirtualCores = max.VirtualCores
	}

	var preferredNodes []string
	if replaced != nil {
		preferredNodes = []string{replaced.Node.Host}
	}

	if err := s.rm.Request(capability, preferredNodes, 0); err != nil {
		return err
	}
	metrics.ContainerRequestsTotal.Inc()
	s.log.Info().
		Str("capability", capability.String()).
		Strs("preferred_nodes", preferredNodes).
		Msg("Requested a container")
	return nil
}

// handleContainerShutdownRequest dispatches a stop for each container. Runs
// on the event-dispatch goroutine; the node manager client is asynchronous so
// this never blocks.
func (s *Supervisor) handleContainerShutdownRequest(e events.ContainerShutdownRequest) {
	for _, c := range e.Containers {
		s.log.Info().
			Str("container_id", string(c.ID)).
			Str("node", c.Node.String()).
			Msg("Requesting container stop")
		s.nm.StopContainer(c.ID, c.Node)
	}
}

// handleMasterShutdownRequest marks the application as shutting down and
// signals the caller. Stop itself runs on the caller's goroutine, never on
// the dispatcher's.
func (s *Supervisor) handleMasterShutdownRequest(events.ApplicationMasterShutdownRequest) {
	s.shutdownRequested.Store(true)
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// handleAllocation binds each granted container to an instance name and hands
// the launch to the pool. The binding happens before the asynchronous start
// so a completion arriving mid-launch finds the record in place.
func (s *Supervisor) handleAllocation(granted []types.Container) {
	for _, c := range granted {
		if s.Phase() >= PhaseStopping {
			s.log.Info().
				Str("container_id", string(c.ID)).
				Msg("Ignoring allocation during shutdown")
			continue
		}
		metrics.ContainersAllocatedTotal.Inc()

		instance := s.registry.Acquire()

		s.mu.Lock()
		s.record[c.ID] = containerRecord{container: c, instance: instance}
		running := len(s.record)
		s.mu.Unlock()
		metrics.ContainersRunning.Set(float64(running))

		if running >= s.cfg.InitialContainers && s.Phase() == PhaseFilling {
			s.phase.CompareAndSwap(int32(PhaseFilling), int32(PhaseRunning))
		}

		s.log.Info().
			Str("container_id", string(c.ID)).
			Str("instance", instance).
			Str("node", c.Node.String()).
			Str("capability", c.Resource.String()).
			Msg("Container allocated")

		select {
		case s.launchQueue <- launchTask{container: c, instance: instance}:
		case <-s.launchStopCh:
			return
		}
	}
}

// launchWorker builds launch contexts and dispatches container starts.
// Building may block on cluster filesystem metadata, which is why it runs
// here and not on the resource manager callback goroutine.
func (s *Supervisor) launchWorker() {
	defer s.launchWG.Done()
	for {
		select {
		case t := <-s.launchQueue:
			s.launch(t)
		case <-s.launchStopCh:
			return
		}
	}
}

func (s *Supervisor) launch(t launchTask) {
	timer := metrics.NewTimer()

	lc, err := s.builder.Build(t.container, t.instance)
	if err != nil {
		metrics.LaunchErrorsTotal.Inc()
		s.log.Error().Err(err).
			Str("container_id", string(t.container.ID)).
			Str("instance", t.instance).
			Msg("Failed to build a launch context")
		s.removeRecord(t.container.ID)
		return
	}

	metrics.LaunchesTotal.Inc()
	s.log.Info().
		Str("container_id", string(t.container.ID)).
		Str("instance", t.instance).
		Msg("Launching container")
	s.nm.StartContainer(t.container, lc)
	timer.ObserveDuration(metrics.LaunchDuration)
}

// handleCompletion processes terminal container statuses. The record removal
// doubles as the idempotence guard: the resource manager and the node manager
// both report completions, and only the first observer acts.
func (s *Supervisor) handleCompletion(statuses []types.ContainerStatus) {
	for _, st := range statuses {
		s.mu.Lock()
		rec, ok := s.record[st.ID]
		if ok {
			delete(s.record, st.ID)
		}
		running := len(s.record)
		s.mu.Unlock()

		if !ok {
			s.log.Debug().
				Str("container_id", string(st.ID)).
				Msg("Completion for an untracked container, already handled")
			continue
		}
		metrics.ContainersRunning.Set(float64(running))
		metrics.ContainersCompletedTotal.WithLabelValues(metrics.ExitClass(st.ExitStatus)).Inc()

		evt := s.log.Info().
			Str("container_id", string(st.ID)).
			Str("instance", rec.instance).
			Int("exit_status", st.ExitStatus)
		if st.Diagnostics != "" {
			evt = evt.Str("diagnostics", st.Diagnostics)
		}
		evt.Msg("Container completed")

		if s.Phase() >= PhaseStopping {
			s.registry.Release(rec.instance)
			s.maybeSignalAllStopped(running)
			continue
		}

		count, exhausted := s.registry.RecordRetry(rec.instance)
		if exhausted {
			metrics.InstancesRetiredTotal.Inc()
			s.log.Warn().
				Str("instance", rec.instance).
				Int("retries", count).
				Int("max_retries", s.cfg.HelixInstanceMaxRetries).
				Msg("Instance exhausted its retries, not replacing its container")
			continue
		}

		s.registry.Release(rec.instance)

		var replaced *types.Container
		if s.cfg.ContainerHostAffinityEnabled && sticksToNode(st.ExitStatus) {
			c := rec.container
			replaced = &c
		}
		s.dispatcher.Publish(events.NewContainerRequest{Replaced: replaced})
	}
}

// sticksToNode reports whether a replacement for this exit status should
// prefer the same node. Exit statuses indicating node trouble never stick.
func sticksToNode(exitStatus int) bool {
	return exitStatus != types.ExitDisksFailed && exitStatus != types.ExitAborted
}

// removeRecord drops a container from the record without completion
// processing. The instance name is not re-queued; replacement is driven by
// completions only.
func (s *Supervisor) removeRecord(id types.ContainerID) {
	s.mu.Lock()
	_, ok := s.record[id]
	if ok {
		delete(s.record, id)
	}
	running := len(s.record)
	s.mu.Unlock()

	if ok {
		metrics.ContainersRunning.Set(float64(running))
		s.maybeSignalAllStopped(running)
	}
}

// maybeSignalAllStopped releases the shutdown latch once the record empties
// while stopping.
func (s *Supervisor) maybeSignalAllStopped(running int) {
	if running == 0 && s.Phase() >= PhaseStopping {
		s.stoppedOnce.Do(func() { close(s.allStopped) })
	}
}

// rmHandler adapts resource manager callbacks onto the supervisor.
type rmHandler struct {
	s *Supervisor
}

func (h *rmHandler) ContainersAllocated(containers []types.Container) {
	h.s.handleAllocation(containers)
}

func (h *rmHandler) ContainersCompleted(statuses []types.ContainerStatus) {
	h.s.handleCompletion(statuses)
}

func (h *rmHandler) NodesUpdated(reports []types.NodeReport) {
	for _, r := range reports {
		h.s.log.Info().
			Str("node", r.Node.String()).
			Str("state", r.State).
			Str("capability", r.Capability.String()).
			Msg("Node updated")
	}
}

func (h *rmHandler) ShutdownRequested() {
	h.s.log.Info().Msg("Resource manager requested application shutdown")
	h.s.dispatcher.Publish(events.ApplicationMasterShutdownRequest{})
}

func (h *rmHandler) Error(err error) {
	h.s.log.Error().Err(err).Msg("Resource manager channel failed, shutting down")
	h.s.dispatcher.Publish(events.ApplicationMasterShutdownRequest{})
}

func (h *rmHandler) Progress() float32 {
	if h.s.shutdownRequested.Load() {
		return 1.0
	}
	return 0.0
}

// nmHandler adapts node manager callbacks onto the supervisor.
type nmHandler struct {
	s *Supervisor
}

func (h *nmHandler) Started(id types.ContainerID) {
	h.s.mu.Lock()
	rec, ok := h.s.record[id]
	h.s.mu.Unlock()
	if !ok {
		return
	}
	h.s.log.Info().
		Str("container_id", string(id)).
		Str("instance", rec.instance).
		Msg("Container started")
	h.s.nm.ContainerStatus(id, rec.container.Node)
}

func (h *nmHandler) StatusReceived(id types.ContainerID, status types.ContainerStatus) {
	h.s.log.Debug().
		Str("container_id", string(id)).
		Str("state", string(status.State)).
		Msg("Received container status")
	if status.State == types.ContainerStateComplete {
		h.s.handleCompletion([]types.ContainerStatus{status})
	}
}

func (h *nmHandler) Stopped(id types.ContainerID) {
	h.s.log.Info().Str("container_id", string(id)).Msg("Container stopped")
	h.s.removeRecord(id)
}

func (h *nmHandler) StartError(id types.ContainerID, err error) {
	metrics.LaunchErrorsTotal.Inc()
	h.s.log.Error().Err(err).
		Str("container_id", string(id)).
		Msg("Failed to start container")
	h.s.removeRecord(id)
}

func (h *nmHandler) StatusError(id types.ContainerID, err error) {
	h.s.log.Warn().Err(err).
		Str("container_id", string(id)).
		Msg("Failed to get container status")
}

func (h *nmHandler) StopError(id types.ContainerID, err error) {
	h.s.log.Error().Err(err).
		Str("container_id", string(id)).
		Msg("Failed to stop container")
}
