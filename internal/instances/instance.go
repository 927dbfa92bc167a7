// Package instances supervises the per-app pool of OS-process instances:
// spawning, health probing, idle eviction, on-demand scaling and rolling
// upgrades between build versions.
package instances

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of one instance.
type State string

const (
	Starting  State = "starting"
	Ready     State = "ready"
	Healthy   State = "healthy"
	Unhealthy State = "unhealthy"
	Draining  State = "draining"
	Stopped   State = "stopped"
)

// Instance is one running (or recently running) child process belonging to
// an app at a particular build version. A zero Instance is not valid; use
// newInstance.
type Instance struct {
	ID           uint32
	Port         int
	BuildVersion string

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	pid   int

	startedAt     time.Time
	lastHeartbeat time.Time

	requestsTotal atomic.Uint64
	inFlight      atomic.Int64
	lastRequest   atomic.Int64 // unix nanos; 0 = never

	successStreak int
	failureStreak int
}

func newInstance(id uint32, port int, buildVersion string) *Instance {
	return &Instance{
		ID:           id,
		Port:         port,
		BuildVersion: buildVersion,
		state:        Starting,
	}
}

// State returns the instance's current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// IsHealthy reports whether the instance is eligible to receive traffic.
func (in *Instance) IsHealthy() bool {
	return in.State() == Healthy
}

// PID returns the child process id, or 0 if the instance was never spawned.
func (in *Instance) PID() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pid
}

func (in *Instance) setProcess(cmd *exec.Cmd, pid int) {
	in.mu.Lock()
	in.cmd = cmd
	in.pid = pid
	in.startedAt = time.Now()
	in.mu.Unlock()
}

// StartedAt returns when the instance's process was spawned.
func (in *Instance) StartedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.startedAt
}

// Uptime returns how long the instance's process has been running.
func (in *Instance) Uptime() time.Duration {
	started := in.StartedAt()
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}

// recordHeartbeat records a successful health probe and returns the
// updated consecutive-success count.
func (in *Instance) recordHeartbeat() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.lastHeartbeat = time.Now()
	in.failureStreak = 0
	in.successStreak++
	return in.successStreak
}

// recordFailure records a failed health probe and returns the updated
// consecutive-failure count.
func (in *Instance) recordFailure() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.successStreak = 0
	in.failureStreak++
	return in.failureStreak
}

// LastHeartbeat returns the time of the last successful health probe.
func (in *Instance) LastHeartbeat() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastHeartbeat
}

// RequestStarted marks the beginning of a proxied request against this
// instance: bumps the in-flight and total counters and the last-request
// timestamp.
func (in *Instance) RequestStarted() {
	in.inFlight.Add(1)
	in.requestsTotal.Add(1)
	in.lastRequest.Store(time.Now().UnixNano())
}

// RequestEnded marks the completion of a proxied request.
func (in *Instance) RequestEnded() {
	in.inFlight.Add(-1)
}

// InFlight returns the current number of requests being proxied to this
// instance.
func (in *Instance) InFlight() int64 {
	return in.inFlight.Load()
}

// RequestsTotal returns the cumulative number of requests proxied to this
// instance.
func (in *Instance) RequestsTotal() uint64 {
	return in.requestsTotal.Load()
}

// IdleDuration returns how long the instance has gone without a request.
// An instance that has never served a request is idle since it started.
func (in *Instance) IdleDuration() time.Duration {
	last := in.lastRequest.Load()
	if last == 0 {
		return in.Uptime()
	}
	return time.Since(time.Unix(0, last))
}

// IsIdle reports whether the instance is Healthy, has no in-flight
// requests, and has been idle for at least timeout.
func (in *Instance) IsIdle(timeout time.Duration) bool {
	if !in.IsHealthy() || in.InFlight() > 0 {
		return false
	}
	return in.IdleDuration() >= timeout
}
