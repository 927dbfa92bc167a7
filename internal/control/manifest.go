package control

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tako-run/tako/internal/config"
)

// manifestFileName is the release-local manifest every deploy path must
// carry: the operational detail a deploy command doesn't repeat on every
// call (command, base_port, env, health_check_path, lb_strategy,
// static_files). The wire command's app/version/path/routes/instances/
// idle_timeout override whatever the manifest also declares.
const manifestFileName = "tako.yaml"

// loadReleaseManifest reads and parses the release manifest at the root
// of releasePath.
func loadReleaseManifest(releasePath string) (config.AppConfig, error) {
	data, err := os.ReadFile(filepath.Join(releasePath, manifestFileName))
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("reading release manifest: %w", err)
	}
	cfg, err := config.ParseAppConfig(data)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("parsing release manifest: %w", err)
	}
	return cfg, nil
}

// mergeDeployRequest overlays a deploy request's caller-supplied fields
// onto the release manifest's operational defaults.
func mergeDeployRequest(manifest config.AppConfig, req Request) config.AppConfig {
	cfg := manifest
	cfg.Name = req.App
	cfg.Version = req.Version
	cfg.Path = req.Path
	if cfg.Cwd == "" || cfg.Cwd == manifest.Path {
		cfg.Cwd = req.Path
	}
	cfg.Routes = req.Routes
	cfg.MinInstances = req.Instances
	cfg.IdleTimeoutSeconds = req.IdleTimeout

	if cfg.MaxInstances == 0 || cfg.MaxInstances < cfg.MinInstances {
		if cfg.MinInstances > 0 {
			cfg.MaxInstances = cfg.MinInstances
		} else {
			cfg.MaxInstances = 1
		}
	}
	return cfg
}
