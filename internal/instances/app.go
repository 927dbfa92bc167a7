package instances

import (
	"sort"
	"sync"

	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/lb"
)

// AppState is the coarse lifecycle state of an app's instance pool.
type AppState string

const (
	Running    AppState = "running"
	Idle       AppState = "idle"
	Deploying  AppState = "deploying"
	AppStopped AppState = "stopped"
	AppError   AppState = "error"
)

// App owns one application's instance pool: its desired config, its
// live instances keyed by id, and the app-level state surfaced through
// the management protocol.
type App struct {
	Name string

	mu        sync.RWMutex
	cfg       config.AppConfig
	instances map[uint32]*Instance
	nextID    uint32
	state     AppState
	lastError string
}

// NewApp creates an empty app pool for cfg. Instances are added with
// AllocateInstance and started by the supervisor/spawner.
func NewApp(cfg config.AppConfig) *App {
	return &App{
		Name:      cfg.Name,
		cfg:       cfg,
		instances: make(map[uint32]*Instance),
		state:     AppStopped,
	}
}

// Config returns the app's current desired configuration.
func (a *App) Config() config.AppConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetConfig replaces the app's desired configuration (used by startFresh
// and by rollDeploy before it spawns the new build's instances).
func (a *App) SetConfig(cfg config.AppConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// State returns the app's current lifecycle state.
func (a *App) State() AppState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetState transitions the app to state s.
func (a *App) SetState(s AppState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// LastError returns the most recently recorded failure message, if any.
func (a *App) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

// SetLastError records err as the app's last error and transitions to
// AppError. An empty string clears it without changing state.
func (a *App) SetLastError(err string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = err
	if err != "" {
		a.state = AppError
	}
}

// AllocateInstance reserves the next instance id and its corresponding
// port for buildVersion, without spawning a process. portOffset is added
// for candidate-agent isolation during an upgrade handoff.
func (a *App) AllocateInstance(buildVersion string, portOffset int) *Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	port := a.cfg.BasePort + int(id-1) + portOffset
	inst := newInstance(id, port, buildVersion)
	a.instances[id] = inst
	return inst
}

// RemoveInstance drops id from the pool. Callers must have already
// stopped the instance's process.
func (a *App) RemoveInstance(id uint32) {
	a.mu.Lock()
	delete(a.instances, id)
	a.mu.Unlock()
}

// Instance returns the instance with the given id, if still tracked.
func (a *App) Instance(id uint32) (*Instance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.instances[id]
	return inst, ok
}

// AllInstances returns every tracked instance, ordered by id.
func (a *App) AllInstances() []*Instance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InstancesInBuild returns the tracked instances belonging to buildVersion.
func (a *App) InstancesInBuild(buildVersion string) []*Instance {
	var out []*Instance
	for _, inst := range a.AllInstances() {
		if inst.BuildVersion == buildVersion {
			out = append(out, inst)
		}
	}
	return out
}

// GetHealthyInstance returns one healthy instance, or false if none exist.
func (a *App) GetHealthyInstance() (*Instance, bool) {
	for _, inst := range a.AllInstances() {
		if inst.IsHealthy() {
			return inst, true
		}
	}
	return nil, false
}

// GetHealthyInstances returns every currently healthy instance.
func (a *App) GetHealthyInstances() []*Instance {
	var out []*Instance
	for _, inst := range a.AllInstances() {
		if inst.IsHealthy() {
			out = append(out, inst)
		}
	}
	return out
}

// HealthyInstances implements lb.InstanceSource.
func (a *App) HealthyInstances() []lb.Instance {
	healthy := a.GetHealthyInstances()
	out := make([]lb.Instance, 0, len(healthy))
	for _, inst := range healthy {
		out = append(out, lb.Instance{ID: inst.ID, Port: inst.Port})
	}
	return out
}

// Count returns the total number of tracked instances (any state).
func (a *App) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.instances)
}
