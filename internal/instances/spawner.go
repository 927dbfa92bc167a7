package instances

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tako-run/tako/internal/config"
)

// Spawner starts and stops instance processes: it owns no instance state
// of its own, only the mechanics of exec, log capture, and signaling.
type Spawner struct {
	logDir string
	logger *slog.Logger
}

// NewSpawner creates a Spawner that writes per-instance stdout/stderr
// capture files under logDir.
func NewSpawner(logDir string, logger *slog.Logger) *Spawner {
	return &Spawner{logDir: logDir, logger: logger}
}

// Spawn starts inst's process for app using cfg's command and working
// directory. On success inst transitions to Starting with its process
// recorded; a background goroutine reaps the process and updates state
// on exit. The process's lifetime is independent of any caller context:
// it runs until Kill stops it or it exits on its own, never tied to the
// deadline of whatever request triggered the spawn.
func (sp *Spawner) Spawn(app *App, inst *Instance) error {
	cfg := app.Config()
	if len(cfg.Command) == 0 {
		return fmt.Errorf("app %s has no command configured", app.Name)
	}

	appLogDir := filepath.Join(sp.logDir, app.Name)
	if err := os.MkdirAll(appLogDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	logPath := filepath.Join(appLogDir, fmt.Sprintf("instance-%d.log", inst.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating instance log: %w", err)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = instanceEnv(cfg, inst)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sp.logger.Info("spawning instance", "app", app.Name, "instance", inst.ID, "port", inst.Port, "build", inst.BuildVersion)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("starting instance: %w", err)
	}

	inst.setProcess(cmd, cmd.Process.Pid)
	inst.setState(Starting)

	go sp.monitor(app, inst, cmd, logFile)

	sp.logger.Info("instance spawned", "app", app.Name, "instance", inst.ID, "pid", cmd.Process.Pid)
	return nil
}

// instanceEnv builds the child process environment: PORT, INSTANCE_ID,
// APP_NAME, APP_VERSION, TAKO_BUILD, and the app's own env map.
func instanceEnv(cfg config.AppConfig, inst *Instance) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("PORT=%d", inst.Port),
		fmt.Sprintf("INSTANCE_ID=%d", inst.ID),
		fmt.Sprintf("APP_NAME=%s", cfg.Name),
		fmt.Sprintf("APP_VERSION=%s", inst.BuildVersion),
		fmt.Sprintf("TAKO_BUILD=%s", inst.BuildVersion),
	)
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func (sp *Spawner) monitor(app *App, inst *Instance, cmd *exec.Cmd, logFile *os.File) {
	defer logFile.Close()

	err := cmd.Wait()

	if inst.State() == Draining || inst.State() == Stopped {
		sp.logger.Debug("instance exited after drain/stop", "app", app.Name, "instance", inst.ID)
		inst.setState(Stopped)
		return
	}

	if err != nil {
		sp.logger.Error("instance exited with error", "app", app.Name, "instance", inst.ID, "error", err)
	} else {
		sp.logger.Warn("instance exited unexpectedly", "app", app.Name, "instance", inst.ID)
	}
	inst.setState(Stopped)
}

// Kill stops inst's process: SIGTERM, a bounded wait, then SIGKILL.
func (sp *Spawner) Kill(inst *Instance, drainTimeout time.Duration) {
	inst.setState(Draining)

	pid := inst.PID()
	if pid == 0 {
		inst.setState(Stopped)
		return
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		inst.setState(Stopped)
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		sp.logger.Warn("SIGTERM failed, sending SIGKILL", "instance", inst.ID, "error", err)
		_ = proc.Signal(syscall.SIGKILL)
	}

	if !waitForPIDExit(pid, drainTimeout) {
		sp.logger.Warn("instance did not exit after SIGTERM, sending SIGKILL", "instance", inst.ID, "pid", pid)
		_ = proc.Signal(syscall.SIGKILL)
		waitForPIDExit(pid, 2*time.Second)
	}

	inst.setState(Stopped)
}

// IsAlive reports whether inst's process still exists.
func IsAlive(inst *Instance) bool {
	pid := inst.PID()
	if pid == 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func waitForPIDExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return true
		}
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
