package control

import (
	"context"

	"github.com/tako-run/tako/internal/instances"
	"github.com/tako-run/tako/internal/protocolerr"
	"github.com/tako-run/tako/internal/store"
)

func (s *Server) handleDeploy(ctx context.Context, req Request) Response {
	if req.App == "" || req.Path == "" {
		return errorResponse("invalid_request: app and path are required")
	}

	releasePath, err := s.resolveReleasePath(ctx, req.App, req.Version, req.Path)
	if err != nil {
		return errorResponse(protocolerr.Wrap(protocolerr.KindInvalidRequest, "resolve release path", err).Error())
	}
	req.Path = releasePath

	manifest, err := loadReleaseManifest(req.Path)
	if err != nil {
		return errorResponse(protocolerr.Wrap(protocolerr.KindInvalidRequest, "load release manifest", err).Error())
	}
	cfg := mergeDeployRequest(manifest, req)

	if err := s.store.UpsertApp(cfg, cfg.Routes); err != nil {
		return errorResponse(err.Error())
	}
	s.routes.SetAppRoutes(cfg.Name, cfg.Routes)
	if cfg.StaticFilesEnabled {
		s.static.RegisterApp(cfg.Name, cfg.Path)
	} else {
		s.static.UnregisterApp(cfg.Name)
	}

	if err := s.apps.Deploy(ctx, cfg); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleStop(req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	s.apps.StopApp(req.App)
	return okResponse(nil)
}

func (s *Server) handleDelete(req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	s.apps.RemoveApp(req.App)
	s.routes.RemoveAppRoutes(req.App)
	s.static.UnregisterApp(req.App)
	if err := s.store.DeleteApp(req.App); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleStatus(req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	app, ok := s.apps.App(req.App)
	if !ok {
		return errorResponse("invalid_request: unknown app " + req.App)
	}
	return okResponse(appStatus(app))
}

func (s *Server) handleList() Response {
	apps := s.apps.Apps()
	statuses := make([]AppStatus, 0, len(apps))
	for _, app := range apps {
		statuses = append(statuses, appStatus(app))
	}
	return okResponse(ListData{Apps: statuses})
}

func (s *Server) handleRoutes() Response {
	apps := s.apps.Apps()
	entries := make([]RouteEntry, 0, len(apps))
	for _, app := range apps {
		entries = append(entries, RouteEntry{App: app.Name, Patterns: app.Config().Routes})
	}
	return okResponse(RoutesData{Routes: entries})
}

func (s *Server) handleReload(ctx context.Context, req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	app, ok := s.apps.App(req.App)
	if !ok {
		return errorResponse("invalid_request: unknown app " + req.App)
	}
	if err := s.apps.Deploy(ctx, app.Config()); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleUpdateSecrets(ctx context.Context, req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	app, ok := s.apps.App(req.App)
	if !ok {
		return errorResponse("invalid_request: unknown app " + req.App)
	}

	cfg := app.Config()
	env := make(map[string]string, len(cfg.Env)+len(req.Secrets))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for k, v := range req.Secrets {
		env[k] = v
	}
	cfg.Env = env

	if err := s.store.UpsertApp(cfg, cfg.Routes); err != nil {
		return errorResponse(err.Error())
	}
	if err := s.apps.Deploy(ctx, cfg); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleServerInfo() Response {
	mode, err := s.store.ServerMode()
	if err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(ServerRuntimeInfo{
		Mode:                 string(mode),
		Socket:               s.info.Socket,
		DataDir:              s.info.DataDir,
		HTTPPort:             s.info.HTTPPort,
		HTTPSPort:            s.info.HTTPSPort,
		NoACME:               s.info.NoACME,
		ACMEStaging:          s.info.ACMEStaging,
		ACMEEmail:            s.info.ACMEEmail,
		RenewalIntervalHours: s.info.RenewalIntervalHours,
		InstancePortOffset:   s.info.InstancePortOffset,
	})
}

func (s *Server) handleEnterUpgrading(req Request) Response {
	if req.Owner == "" {
		return errorResponse("invalid_request: owner is required")
	}
	acquired, err := s.store.TryAcquireUpgradeLock(req.Owner)
	if err != nil {
		return errorResponse(err.Error())
	}
	if !acquired {
		return errorResponse("lock_conflict: upgrade lock held by another owner")
	}
	if err := s.store.SetServerMode(store.ModeUpgrading); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleExitUpgrading(req Request) Response {
	if req.Owner == "" {
		return errorResponse("invalid_request: owner is required")
	}
	released, err := s.store.ReleaseUpgradeLock(req.Owner)
	if err != nil {
		return errorResponse(err.Error())
	}
	if !released {
		return errorResponse("lock_conflict: upgrade lock not held by this owner")
	}
	if err := s.store.SetServerMode(store.ModeNormal); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func (s *Server) handleListReleases(req Request) Response {
	if req.App == "" {
		return errorResponse("invalid_request: app is required")
	}
	history, err := s.releases.List(req.App)
	if err != nil {
		return errorResponse(err.Error())
	}

	var currentVersion string
	if app, ok := s.apps.App(req.App); ok {
		currentVersion = app.Config().Version
	}

	out := make([]ReleaseInfo, 0, len(history))
	for _, r := range history {
		out = append(out, ReleaseInfo{
			Version:            r.Version,
			Path:               r.Path,
			DeployedAtUnixSecs: r.DeployedAt.Unix(),
			Current:            r.Version == currentVersion,
		})
	}
	return okResponse(ListReleasesData{Releases: out})
}

func (s *Server) handleRollback(ctx context.Context, req Request) Response {
	if req.App == "" || req.Version == "" {
		return errorResponse("invalid_request: app and version are required")
	}
	app, ok := s.apps.App(req.App)
	if !ok {
		return errorResponse("invalid_request: unknown app " + req.App)
	}

	target, err := s.releases.Resolve(req.App, req.Version)
	if err != nil {
		return errorResponse("invalid_request: " + err.Error())
	}

	cfg := app.Config()
	cfg.Version = target.Version
	cfg.Path = target.Path

	if err := s.store.UpsertApp(cfg, cfg.Routes); err != nil {
		return errorResponse(err.Error())
	}
	if err := s.apps.Deploy(ctx, cfg); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(nil)
}

func appStatus(app *instances.App) AppStatus {
	all := app.AllInstances()
	instanceStatuses := make([]InstanceStatus, 0, len(all))
	builds := make(map[string]*BuildStatus)
	buildOrder := make([]string, 0)

	for _, inst := range all {
		var pid *int
		if p := inst.PID(); p != 0 {
			pid = &p
		}
		instanceStatuses = append(instanceStatuses, InstanceStatus{
			ID:            inst.ID,
			State:         string(inst.State()),
			Port:          inst.Port,
			PID:           pid,
			UptimeSecs:    uint64(inst.Uptime().Seconds()),
			RequestsTotal: inst.RequestsTotal(),
		})

		b, ok := builds[inst.BuildVersion]
		if !ok {
			b = &BuildStatus{Version: inst.BuildVersion, State: string(inst.State())}
			builds[inst.BuildVersion] = b
			buildOrder = append(buildOrder, inst.BuildVersion)
		}
		b.Instances++
	}

	buildStatuses := make([]BuildStatus, 0, len(buildOrder))
	for _, v := range buildOrder {
		buildStatuses = append(buildStatuses, *builds[v])
	}

	var lastError *string
	if msg := app.LastError(); msg != "" {
		lastError = &msg
	}

	return AppStatus{
		Name:      app.Name,
		Version:   app.Config().Version,
		Instances: instanceStatuses,
		Builds:    buildStatuses,
		State:     string(app.State()),
		LastError: lastError,
	}
}
