package instances

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthProbeConfig bounds the per-instance health probe loop.
type HealthProbeConfig struct {
	Interval       time.Duration
	Timeout        time.Duration
	StartupTimeout time.Duration
}

// DefaultHealthProbeConfig matches the node agent's production defaults.
func DefaultHealthProbeConfig() HealthProbeConfig {
	return HealthProbeConfig{
		Interval:       time.Second,
		Timeout:        2 * time.Second,
		StartupTimeout: 30 * time.Second,
	}
}

const (
	successesToHealthy = 2
	failuresToUnhealthy = 3
)

// healthProbe runs the health-probe loop for one instance until ctx is
// canceled or the instance is observed Stopped. A 2xx response within
// the timeout advances Starting -> Ready -> Healthy (two consecutive
// successes) and clears any failure strikes; a Healthy instance that
// accumulates three consecutive failures becomes Unhealthy. If a probe
// fails while the instance is still Starting or Ready past
// cfg.StartupTimeout, it is killed and the failure recorded on app.
func (sp *Spawner) healthProbe(ctx context.Context, app *App, inst *Instance, cfg HealthProbeConfig, path string) {
	client := &http.Client{Timeout: cfg.Timeout}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", inst.Port, path)

	deadline := time.Now().Add(cfg.StartupTimeout)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if inst.State() == Stopped || inst.State() == Draining {
			return
		}

		if !IsAlive(inst) {
			sp.logger.Warn("instance process gone", "app", app.Name, "instance", inst.ID)
			inst.setState(Stopped)
			return
		}

		if err := probeOnce(ctx, client, url); err != nil {
			sp.handleProbeFailure(app, inst, deadline, err)
			continue
		}

		sp.handleProbeSuccess(app, inst)
	}
}

func (sp *Spawner) handleProbeSuccess(app *App, inst *Instance) {
	streak := inst.recordHeartbeat()

	switch inst.State() {
	case Starting:
		inst.setState(Ready)
	case Ready:
		if streak >= successesToHealthy {
			inst.setState(Healthy)
			sp.logger.Info("instance healthy", "app", app.Name, "instance", inst.ID)
		}
	case Unhealthy:
		inst.setState(Healthy)
		sp.logger.Info("instance recovered", "app", app.Name, "instance", inst.ID)
	}
}

func (sp *Spawner) handleProbeFailure(app *App, inst *Instance, startupDeadline time.Time, err error) {
	state := inst.State()

	if state == Starting || state == Ready {
		inst.recordFailure()
		if time.Now().After(startupDeadline) {
			sp.logger.Error("instance failed to become healthy before startup timeout", "app", app.Name, "instance", inst.ID)
			app.SetLastError(fmt.Sprintf("instance %d: startup_timeout", inst.ID))
			sp.Kill(inst, 2*time.Second)
		}
		return
	}

	strikes := inst.recordFailure()
	if state == Healthy && strikes >= failuresToUnhealthy {
		sp.logger.Warn("instance unhealthy", "app", app.Name, "instance", inst.ID, "error", err)
		inst.setState(Unhealthy)
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

// Logger exposes the spawner's logger for reuse by the supervisor's other
// background loops, which share its slog.Logger rather than constructing
// their own.
func (sp *Spawner) Logger() *slog.Logger { return sp.logger }
