package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tako-run/tako/internal/acme"
	"github.com/tako-run/tako/internal/buildstore"
	"github.com/tako-run/tako/internal/certs"
	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/control"
	"github.com/tako-run/tako/internal/instances"
	"github.com/tako-run/tako/internal/lb"
	"github.com/tako-run/tako/internal/proxy"
	"github.com/tako-run/tako/internal/releases"
	"github.com/tako-run/tako/internal/routes"
	"github.com/tako-run/tako/internal/staticfiles"
	"github.com/tako-run/tako/internal/store"
	"github.com/tako-run/tako/internal/version"
)

func main() {
	configPath := flag.String("config", "/etc/tako/agent.yaml", "path to agent config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tako-agent", version.String())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load agent configuration.
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Set up structured logging.
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Handle graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}

	routeTable := routes.NewTable()
	loadBalancer := lb.New()
	staticMgr := staticfiles.NewManager(staticfiles.DefaultConfig())

	certMgr := certs.NewManager(cfg.CertDir)
	if err := certMgr.Init(); err != nil {
		return fmt.Errorf("initializing certificate store: %w", err)
	}

	tokens := acme.NewChallengeTokens()
	var acmeClient *acme.Client
	if !cfg.NoACME {
		acmeClient = acme.NewClient(acme.Config{
			Staging:    cfg.ACMEStaging,
			Email:      cfg.ACMEEmail,
			AccountDir: cfg.ACMEAccountDir,
			Timeout:    cfg.ACMETimeout,
		}, certMgr, tokens, logger)
		if err := acmeClient.Init(); err != nil {
			return fmt.Errorf("initializing acme client: %w", err)
		}
		go runRenewalLoop(ctx, acmeClient, certMgr, time.Duration(cfg.RenewalIntervalHours)*time.Hour, logger)
	}

	fallback, err := bootstrapSelfSignedCert(certMgr)
	if err != nil {
		return fmt.Errorf("bootstrapping fallback certificate: %w", err)
	}
	certMgr.Add(fallback)

	spawner := instances.NewSpawner(filepath.Join(cfg.DataDir, "logs"), logger)
	instanceMgr := instances.NewManager(spawner, loadBalancer, cfg, cfg.InstancePortOffset, logger)

	var artifactStore *buildstore.Store
	if cfg.BuildStoreBucket != "" {
		artifactStore, err = buildstore.New(ctx, buildstore.Config{
			Bucket:      cfg.BuildStoreBucket,
			Prefix:      cfg.BuildStorePrefix,
			Region:      cfg.BuildStoreRegion,
			EndpointURL: cfg.BuildStoreEndpointURL,
		})
		if err != nil {
			return fmt.Errorf("initializing build store: %w", err)
		}
	}

	releaseMgr := releases.New(st)

	ctrlServer := control.NewServer(cfg.SocketPath, version.String(), control.RuntimeInfo{
		Socket:               cfg.SocketPath,
		DataDir:              cfg.DataDir,
		HTTPPort:             cfg.HTTPPort,
		HTTPSPort:            cfg.HTTPSPort,
		NoACME:               cfg.NoACME,
		ACMEStaging:          cfg.ACMEStaging,
		ACMEEmail:            cfg.ACMEEmail,
		RenewalIntervalHours: cfg.RenewalIntervalHours,
		InstancePortOffset:   cfg.InstancePortOffset,
	}, instanceMgr, routeTable, st, releaseMgr, staticMgr, logger)
	if artifactStore != nil {
		ctrlServer.SetArtifactFetcher(artifactStore)
	}

	redeployPersistedApps(ctx, st, instanceMgr, routeTable, staticMgr, logger)

	if err := ctrlServer.Start(); err != nil {
		return fmt.Errorf("starting management server: %w", err)
	}

	proxyCfg := proxy.DefaultConfig()
	proxyCfg.HTTPAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	proxyCfg.HTTPSAddr = fmt.Sprintf(":%d", cfg.HTTPSPort)
	proxyCfg.HTTPSPort = cfg.HTTPSPort
	proxyCfg.SelfSignedFallbackDomain = selfSignedFallbackDomain

	httpsFront := proxy.NewHTTPSFront(proxyCfg, certMgr, routeTable, loadBalancer, instanceMgr, staticMgr, logger)
	if err := httpsFront.Start(); err != nil {
		return fmt.Errorf("starting https front: %w", err)
	}
	httpFront := proxy.NewHTTPFront(proxyCfg, tokens, logger)
	if err := httpFront.Start(); err != nil {
		return fmt.Errorf("starting http front: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpFront.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http front", "error", err)
	}
	if err := httpsFront.Stop(shutdownCtx); err != nil {
		logger.Error("stopping https front", "error", err)
	}
	if err := ctrlServer.Stop(shutdownCtx); err != nil {
		logger.Error("stopping management server", "error", err)
	}

	return nil
}

// redeployPersistedApps restores every app recorded in the state store
// at startup, so an agent restart (including the candidate side of an
// upgrade handoff) comes back up serving the same apps it had before. A
// single app's failure to redeploy is logged and skipped rather than
// aborting startup for every other app.
func redeployPersistedApps(ctx context.Context, st *store.Store, instanceMgr *instances.Manager, routeTable *routes.Table, staticMgr *staticfiles.Manager, logger *slog.Logger) {
	persisted, err := st.LoadApps()
	if err != nil {
		logger.Error("loading persisted apps", "error", err)
		return
	}
	for _, p := range persisted {
		routeTable.SetAppRoutes(p.Config.Name, p.Routes)
		if p.Config.StaticFilesEnabled {
			staticMgr.RegisterApp(p.Config.Name, p.Config.Path)
		}
		if err := instanceMgr.Deploy(ctx, p.Config); err != nil {
			logger.Error("redeploying persisted app", "app", p.Config.Name, "error", err)
		}
	}
}

// runRenewalLoop periodically requests renewal for any certificate
// within its renewal window. interval defaults to 24 hours if unset.
func runRenewalLoop(ctx context.Context, acmeClient *acme.Client, certMgr *certs.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range certMgr.NeedingRenewal() {
				renewed, err := acmeClient.RequestCertificate(info.Domain)
				if err != nil {
					logger.Error("renewing certificate", "domain", info.Domain, "error", err)
					continue
				}
				certMgr.Add(renewed)
				logger.Info("renewed certificate", "domain", info.Domain)
			}
		}
	}
}
