package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Config describes one handoff: replacing the agent bound to
// PrimarySocket with a freshly started binary, via a candidate process
// that proves itself on CandidateSocket before the primary is restarted.
type Config struct {
	// Owner scopes the upgrade lock to this coordinator run. Generated
	// if empty.
	Owner string

	PrimarySocket   string
	CandidateSocket string

	// CandidateBinary and CandidateArgs launch the candidate agent.
	// The caller is responsible for including flags that bind it to
	// CandidateSocket and to a non-zero instance port offset.
	CandidateBinary string
	CandidateArgs   []string

	// RestartPrimary performs the operator's restart of the primary
	// agent (typically a service-manager command). It must return
	// once the old process has exited; the new primary is expected to
	// come up bound to PrimarySocket shortly after.
	RestartPrimary func(ctx context.Context) error

	HelloTimeout    time.Duration
	PrimaryTimeout  time.Duration
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HelloTimeout == 0 {
		c.HelloTimeout = 120 * time.Second
	}
	if c.PrimaryTimeout == 0 {
		c.PrimaryTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator runs one upgrade handoff end to end, per spec §4.10.
type Coordinator struct {
	cfg   Config
	owner string

	candidate *exec.Cmd

	// startCandidateFn and stopCandidateFn launch and tear down the
	// candidate process. They default to real os/exec process
	// management; tests substitute in-process fakes.
	startCandidateFn func(ctx context.Context) error
	stopCandidateFn  func()
}

// New returns a Coordinator for the given handoff. Owner is generated
// from a fresh UUID when cfg.Owner is empty.
func New(cfg Config) *Coordinator {
	cfg.setDefaults()
	owner := cfg.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	co := &Coordinator{cfg: cfg, owner: owner}
	co.startCandidateFn = co.startCandidateProcess
	co.stopCandidateFn = co.stopCandidateProcess
	return co
}

// Owner returns the identifier this coordinator uses to scope the
// upgrade lock.
func (co *Coordinator) Owner() string { return co.owner }

// Run performs the full handoff: acquire the lock, start the
// candidate, wait for it to answer hello, restart the primary, wait
// for the new primary to answer server_info, kill the candidate, and
// release the lock. Any failure triggers teardown of the candidate and
// a best-effort exit_upgrading so a partial handoff never leaves the
// lock stuck under this owner.
func (co *Coordinator) Run(ctx context.Context) (err error) {
	log := co.cfg.Logger
	entered := false

	defer func() {
		if err != nil {
			co.stopCandidateFn()
			if entered {
				releaseCtx, cancel := context.WithTimeout(context.Background(), co.cfg.ShutdownTimeout)
				defer cancel()
				if relErr := exitUpgrading(releaseCtx, co.cfg.PrimarySocket, co.owner); relErr != nil {
					log.Error("failed to release upgrade lock after aborted handoff", "owner", co.owner, "error", relErr)
				}
			}
		}
	}()

	log.Info("acquiring upgrade lock", "owner", co.owner, "primary_socket", co.cfg.PrimarySocket)
	if err = enterUpgrading(ctx, co.cfg.PrimarySocket, co.owner); err != nil {
		return fmt.Errorf("enter_upgrading: %w", err)
	}
	entered = true

	log.Info("starting candidate agent", "socket", co.cfg.CandidateSocket, "binary", co.cfg.CandidateBinary)
	if err = co.startCandidateFn(ctx); err != nil {
		return fmt.Errorf("starting candidate: %w", err)
	}

	log.Info("waiting for candidate handshake", "socket", co.cfg.CandidateSocket)
	if err = pollUntil(ctx, co.cfg.HelloTimeout, 250*time.Millisecond, func(pctx context.Context) error {
		return hello(pctx, co.cfg.CandidateSocket)
	}); err != nil {
		return fmt.Errorf("candidate never answered hello: %w", err)
	}

	log.Info("restarting primary agent")
	if err = co.cfg.RestartPrimary(ctx); err != nil {
		return fmt.Errorf("restarting primary: %w", err)
	}

	log.Info("waiting for new primary to come up", "socket", co.cfg.PrimarySocket)
	if err = pollUntil(ctx, co.cfg.PrimaryTimeout, 250*time.Millisecond, func(pctx context.Context) error {
		info, infoErr := serverInfo(pctx, co.cfg.PrimarySocket)
		if infoErr != nil {
			return infoErr
		}
		if info.Mode != "upgrading" && info.Mode != "normal" {
			return fmt.Errorf("unexpected server mode %q", info.Mode)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("new primary never became ready: %w", err)
	}

	log.Info("stopping candidate agent")
	co.stopCandidateFn()

	log.Info("releasing upgrade lock", "owner", co.owner)
	if err = exitUpgrading(ctx, co.cfg.PrimarySocket, co.owner); err != nil {
		return fmt.Errorf("exit_upgrading: %w", err)
	}
	entered = false

	return nil
}

func (co *Coordinator) startCandidateProcess(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, co.cfg.CandidateBinary, co.cfg.CandidateArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Its own process group, so signals sent to the coordinator's process
	// group do not reach the candidate. Cancelling ctx still kills it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	co.candidate = cmd
	return nil
}

// stopCandidateProcess sends SIGTERM, escalating to SIGKILL if the
// process hasn't exited after ShutdownTimeout. Safe to call more than
// once or when no candidate was started.
func (co *Coordinator) stopCandidateProcess() {
	if co.candidate == nil || co.candidate.Process == nil {
		return
	}
	proc := co.candidate.Process

	done := make(chan struct{})
	go func() {
		co.candidate.Wait()
		close(done)
	}()

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(co.cfg.ShutdownTimeout):
		_ = proc.Signal(syscall.SIGKILL)
		<-done
	}
	co.candidate = nil
}
