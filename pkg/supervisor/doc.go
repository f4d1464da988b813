/*
Package supervisor implements the Roost application master, the control loop
that keeps a fleet of worker containers alive on a resource-managed cluster.

The supervisor registers with the resource manager, requests the configured
number of containers, launches a worker in each grant, and replaces completed
containers under stable instance names until an instance exhausts its retries.

# Architecture

	┌──────────────────── SUPERVISOR ────────────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐          │
	│  │        RM Client (heartbeat goroutine)       │          │
	│  │  - allocations, completions, node updates    │          │
	│  │  - shutdown command, transport errors        │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │              Container Record                 │          │
	│  │  - ContainerID -> (Container, instance)       │          │
	│  │  - bound before start, removed exactly once   │          │
	│  └───────┬──────────────────────────┬────────────┘          │
	│          │                          │                       │
	│  ┌───────▼────────────┐   ┌─────────▼────────────┐         │
	│  │  Launch Pool (10)  │   │  Identity Registry    │         │
	│  │  - build context   │   │  - FIFO unused names  │         │
	│  │  - NM start        │   │  - retry counters     │         │
	│  └───────┬────────────┘   └──────────────────────┘         │
	│          │                                                  │
	│  ┌───────▼───────────────────────────────────────┐         │
	│  │       NM Client (per-container ordering)      │         │
	│  │  - start / status / stop, async callbacks     │         │
	│  └───────────────────────────────────────────────┘         │
	│                                                             │
	│  ┌───────────────────────────────────────────────┐         │
	│  │      Event Dispatcher (single goroutine)      │         │
	│  │  - NewContainerRequest                        │         │
	│  │  - ContainerShutdownRequest                   │         │
	│  │  - ApplicationMasterShutdownRequest           │         │
	│  └───────────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────────┘

# Lifecycle

The supervisor moves through init, registering, filling, running, stopping
and stopped. Registration is synchronous on Start; the maximum container
capability from the registration response is published once and clamps every
subsequent request. Stop dispatches a stop for every tracked container, waits
up to five minutes for the node managers to confirm, then unregisters with
final status SUCCEEDED. Unregister failures are logged and suppressed so
teardown always completes.

# Replacement

A completed container frees its instance name back to a FIFO queue and
publishes a request for a replacement, so the fleet heals at a stable size
and a replacement resumes the identity of the container it replaces. When
host affinity is enabled the replacement prefers the node of the completed
container, unless the exit status indicates node trouble (aborted or failed
disks). Each completion increments the instance's retry count; once a
positive cap is exceeded the instance retires and the fleet shrinks by one.

Completions arrive from both the resource manager and the node manager
status polls. Both paths funnel into one handler and the record removal is
the idempotence guard, so the second observer is a no-op.
*/
package supervisor
