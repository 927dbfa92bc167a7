package instances

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/lb"
)

// Manager is the node agent's top-level instance supervisor: a registry
// of per-app pools plus the background loops (health probing, idle
// eviction) that keep each pool converged on its desired config.
type Manager struct {
	spawner     *Spawner
	loadBalancer *lb.LoadBalancer
	healthCfg   HealthProbeConfig
	idleInterval time.Duration
	drainTimeout time.Duration
	onDemandTimeout time.Duration
	portOffset  int
	defaultHealthPath string
	logger      *slog.Logger

	mu      sync.RWMutex
	apps    map[string]*App
	cancels map[string]context.CancelFunc
	// bgCtx holds, per app, the long-lived context that background work
	// tied to the app's registration (health probes, the idle eviction
	// loop) runs under. It is cancelled only by RemoveApp, never by the
	// deadline of whatever Deploy/EnsureInstance call started the work.
	bgCtx map[string]context.Context
}

// NewManager creates a Manager. portOffset isolates a candidate agent's
// instances during an upgrade handoff; it is 0 for the primary agent.
func NewManager(spawner *Spawner, loadBalancer *lb.LoadBalancer, agentCfg config.AgentConfig, portOffset int, logger *slog.Logger) *Manager {
	healthCfg := HealthProbeConfig{
		Interval:       agentCfg.HealthCheckInterval,
		Timeout:        agentCfg.HealthProbeTimeout,
		StartupTimeout: agentCfg.StartupTimeout,
	}
	if healthCfg.Interval == 0 {
		healthCfg.Interval = time.Second
	}
	if healthCfg.Timeout == 0 {
		healthCfg.Timeout = 2 * time.Second
	}
	if healthCfg.StartupTimeout == 0 {
		healthCfg.StartupTimeout = 30 * time.Second
	}
	idleInterval := agentCfg.IdleCheckInterval
	if idleInterval == 0 {
		idleInterval = 30 * time.Second
	}
	drainTimeout := agentCfg.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = 30 * time.Second
	}
	onDemandTimeout := agentCfg.OnDemandSpawnTimeout
	if onDemandTimeout == 0 {
		onDemandTimeout = 30 * time.Second
	}
	defaultHealthPath := agentCfg.DefaultHealthCheckPath
	if defaultHealthPath == "" {
		defaultHealthPath = "/_tako/status"
	}

	return &Manager{
		spawner:           spawner,
		loadBalancer:      loadBalancer,
		healthCfg:         healthCfg,
		idleInterval:      idleInterval,
		drainTimeout:      drainTimeout,
		onDemandTimeout:   onDemandTimeout,
		portOffset:        portOffset,
		defaultHealthPath: defaultHealthPath,
		logger:            logger,
		apps:              make(map[string]*App),
		cancels:           make(map[string]context.CancelFunc),
		bgCtx:             make(map[string]context.Context),
	}
}

// appCtx returns the long-lived context backing name's background work,
// or context.Background() if the app has no registration yet (e.g. a
// direct Spawner test outside Deploy).
func (m *Manager) appCtx(name string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ctx, ok := m.bgCtx[name]; ok {
		return ctx
	}
	return context.Background()
}

// App returns the named app's pool, if registered.
func (m *Manager) App(name string) (*App, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[name]
	return app, ok
}

// Apps returns every registered app.
func (m *Manager) Apps() []*App {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*App, 0, len(m.apps))
	for _, app := range m.apps {
		out = append(out, app)
	}
	return out
}

func (m *Manager) healthPath(cfg config.AppConfig) string {
	if cfg.HealthCheckPath != "" {
		return cfg.HealthCheckPath
	}
	return m.defaultHealthPath
}

// Deploy brings app cfg.Name to the desired config cfg. If the app is
// unknown it is started fresh with min_instances; if it already exists,
// a rolling deploy replaces its instances, whether or not the version
// changed.
func (m *Manager) Deploy(ctx context.Context, cfg config.AppConfig) error {
	m.mu.Lock()
	app, exists := m.apps[cfg.Name]
	if !exists {
		app = NewApp(cfg)
		m.apps[cfg.Name] = app
		loopCtx, cancel := context.WithCancel(context.Background())
		m.cancels[cfg.Name] = cancel
		m.bgCtx[cfg.Name] = loopCtx
		go m.idleEvictionLoop(loopCtx, app)
	}
	m.mu.Unlock()

	m.loadBalancer.RegisterApp(cfg.Name, app, lb.ParseStrategy(cfg.LoadBalancerStrategy))

	if !exists {
		return m.startFresh(ctx, app, cfg)
	}
	return m.rollDeploy(ctx, app, cfg)
}

func (m *Manager) startFresh(ctx context.Context, app *App, cfg config.AppConfig) error {
	app.SetConfig(cfg)
	app.SetState(Deploying)

	bgCtx := m.appCtx(app.Name)
	instances := make([]*Instance, 0, cfg.MinInstances)
	for i := 0; i < cfg.MinInstances; i++ {
		inst := app.AllocateInstance(cfg.Version, m.portOffset)
		if err := m.spawner.Spawn(app, inst); err != nil {
			app.SetLastError(fmt.Sprintf("spawning instance %d: %v", inst.ID, err))
			return err
		}
		go m.spawner.healthProbe(bgCtx, app, inst, m.healthCfg, m.healthPath(cfg))
		instances = append(instances, inst)
	}

	if err := m.waitHealthy(ctx, instances, m.healthCfg.StartupTimeout); err != nil {
		app.SetLastError(err.Error())
		return err
	}

	app.SetState(Running)
	return nil
}

// waitHealthy polls until every instance in want is Healthy or timeout
// elapses.
func (m *Manager) waitHealthy(ctx context.Context, want []*Instance, timeout time.Duration) error {
	if len(want) == 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		allHealthy := true
		for _, inst := range want {
			if !inst.IsHealthy() {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup_timeout: instance(s) did not become healthy in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopApp kills every instance of name and marks it stopped. The app's
// registry entry and background loop remain so a later Deploy can reuse
// it; full removal is RemoveApp.
func (m *Manager) StopApp(name string) {
	app, ok := m.App(name)
	if !ok {
		return
	}
	m.loadBalancer.UnregisterApp(name)
	for _, inst := range app.AllInstances() {
		m.spawner.Kill(inst, m.drainTimeout)
	}
	app.SetState(AppStopped)
}

// RemoveApp stops and forgets an app entirely.
func (m *Manager) RemoveApp(name string) {
	m.StopApp(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[name]; ok {
		cancel()
		delete(m.cancels, name)
	}
	delete(m.bgCtx, name)
	delete(m.apps, name)
}

// EnsureInstance returns a healthy instance for name, spawning one
// on-demand if none exist and the app has room under max_instances. It
// blocks until the instance is Healthy or timeout elapses.
func (m *Manager) EnsureInstance(ctx context.Context, name string) (*Instance, error) {
	app, ok := m.App(name)
	if !ok {
		return nil, fmt.Errorf("app %s not found", name)
	}
	if inst, ok := app.GetHealthyInstance(); ok {
		return inst, nil
	}

	cfg := app.Config()
	if app.Count() >= cfg.MaxInstances {
		return nil, fmt.Errorf("app %s at max_instances with no healthy instance", name)
	}

	inst := app.AllocateInstance(cfg.Version, m.portOffset)
	if err := m.spawner.Spawn(app, inst); err != nil {
		return nil, err
	}

	go m.spawner.healthProbe(m.appCtx(app.Name), app, inst, m.healthCfg, m.healthPath(cfg))

	waitCtx, waitCancel := context.WithTimeout(ctx, m.onDemandTimeout)
	defer waitCancel()
	if err := m.waitHealthy(waitCtx, []*Instance{inst}, m.onDemandTimeout); err != nil {
		return nil, err
	}
	return inst, nil
}
