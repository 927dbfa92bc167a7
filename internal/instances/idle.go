package instances

import (
	"context"
	"time"
)

// idleEvictionLoop periodically drains Healthy, idle instances of app
// and respawns replacements when the healthy count falls below
// min_instances. It runs for the lifetime of app's registration.
func (m *Manager) idleEvictionLoop(ctx context.Context, app *App) {
	ticker := time.NewTicker(m.idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.evictIdle(ctx, app)
		m.maintainMinInstances(ctx, app)
	}
}

func (m *Manager) evictIdle(_ context.Context, app *App) {
	cfg := app.Config()
	idleTimeout := cfg.IdleTimeout()
	if idleTimeout <= 0 {
		return
	}

	healthy := app.GetHealthyInstances()
	if len(healthy) <= cfg.MinInstances {
		return
	}

	for _, inst := range healthy {
		if len(app.GetHealthyInstances()) <= cfg.MinInstances {
			return
		}
		if inst.IsIdle(idleTimeout) {
			m.spawner.logger.Info("evicting idle instance", "app", app.Name, "instance", inst.ID)
			go m.drainInstance(app, inst)
		}
	}
}

func (m *Manager) maintainMinInstances(ctx context.Context, app *App) {
	cfg := app.Config()
	if app.State() == Deploying {
		return
	}
	deficit := cfg.MinInstances - app.Count()
	for i := 0; i < deficit; i++ {
		inst := app.AllocateInstance(cfg.Version, m.portOffset)
		if err := m.spawner.Spawn(app, inst); err != nil {
			app.SetLastError(err.Error())
			return
		}
		go m.spawner.healthProbe(ctx, app, inst, m.healthCfg, m.healthPath(cfg))
	}
}
