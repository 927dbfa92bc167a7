package instances

import (
	"context"
	"fmt"
	"time"

	"github.com/tako-run/tako/internal/config"
)

// rollStage names the explicit states of a rolling deploy, so the
// transition sequence stays linear instead of nested callbacks.
type rollStage string

const (
	stageAllocated  rollStage = "allocated"
	stageSpawned    rollStage = "spawned"
	stageHealthy    rollStage = "healthy"
	stageOldDraining rollStage = "old_draining"
	stageDone       rollStage = "done"
	stageFailed     rollStage = "failed"
)

// rollDeploy replaces app's current-build instances with a new build at
// newCfg.Version: allocate, spawn, wait healthy, then drain the old
// build. On failure the new instances are killed and the old build is
// left running.
func (m *Manager) rollDeploy(ctx context.Context, app *App, newCfg config.AppConfig) error {
	oldVersion := app.Config().Version
	oldInstances := app.InstancesInBuild(oldVersion)

	app.SetConfig(newCfg)
	app.SetState(Deploying)

	newInstances := make([]*Instance, 0, newCfg.MinInstances)
	for i := 0; i < newCfg.MinInstances; i++ {
		newInstances = append(newInstances, app.AllocateInstance(newCfg.Version, m.portOffset))
	}
	m.logStage(app, stageAllocated)

	bgCtx := m.appCtx(app.Name)
	for _, inst := range newInstances {
		if err := m.spawner.Spawn(app, inst); err != nil {
			return m.failRollout(app, newInstances, fmt.Errorf("spawning instance %d: %w", inst.ID, err))
		}
		go m.spawner.healthProbe(bgCtx, app, inst, m.healthCfg, m.healthPath(newCfg))
	}
	m.logStage(app, stageSpawned)

	if err := m.waitHealthy(ctx, newInstances, m.healthCfg.StartupTimeout); err != nil {
		return m.failRollout(app, newInstances, err)
	}
	m.logStage(app, stageHealthy)

	for _, inst := range oldInstances {
		m.drainInstance(app, inst)
	}
	m.logStage(app, stageOldDraining)

	app.SetState(Running)
	app.SetLastError("")
	m.logStage(app, stageDone)
	return nil
}

func (m *Manager) logStage(app *App, stage rollStage) {
	m.spawner.logger.Debug("rolling deploy stage", "app", app.Name, "stage", string(stage))
}

func (m *Manager) failRollout(app *App, newInstances []*Instance, cause error) error {
	m.logStage(app, stageFailed)
	for _, inst := range newInstances {
		m.spawner.Kill(inst, 2*time.Second)
		app.RemoveInstance(inst.ID)
	}
	app.SetLastError(cause.Error())
	return fmt.Errorf("rolling deploy failed: %w", cause)
}

// drainInstance marks inst Draining, waits for in-flight requests to
// reach zero up to the configured drain timeout, then kills it and
// removes it from the app.
func (m *Manager) drainInstance(app *App, inst *Instance) {
	inst.setState(Draining)

	deadline := time.Now().Add(m.drainTimeout)
	for inst.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	m.spawner.Kill(inst, 2*time.Second)
	app.RemoveInstance(inst.ID)
}
