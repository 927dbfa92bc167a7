// Package releases tracks, per app, the history of deployed versions so
// the management protocol can answer list_releases and resolve a
// rollback target without the control server reaching into the state
// store's schema directly.
package releases

import (
	"fmt"
	"time"

	"github.com/tako-run/tako/internal/store"
)

// Release is one historical deploy of an app, independent of the state
// store's on-disk representation.
type Release struct {
	Version    string
	Path       string
	DeployedAt time.Time
}

// Store is the narrow view of *store.Store the release history needs.
type Store interface {
	ListReleases(appName string) ([]store.Release, error)
}

// Manager answers release-history queries against the durable store.
type Manager struct {
	store Store
}

// New wires a Manager over the given store.
func New(s Store) *Manager {
	return &Manager{store: s}
}

// List returns appName's release history, newest first.
func (m *Manager) List(appName string) ([]Release, error) {
	persisted, err := m.store.ListReleases(appName)
	if err != nil {
		return nil, err
	}
	out := make([]Release, 0, len(persisted))
	for _, r := range persisted {
		out = append(out, Release{Version: r.Version, Path: r.Path, DeployedAt: r.DeployedAt})
	}
	return out, nil
}

// Resolve finds appName's recorded release at version, for use as a
// rollback target.
func (m *Manager) Resolve(appName, version string) (Release, error) {
	history, err := m.List(appName)
	if err != nil {
		return Release{}, err
	}
	for _, r := range history {
		if r.Version == version {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("no recorded release %s for app %s", version, appName)
}
