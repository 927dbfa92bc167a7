// Package store is the node agent's durable state store: a single-writer,
// serializable record of apps, their routes, release history, server mode,
// and the upgrade handoff lock, backed by a local SQLite database with WAL
// journaling and foreign-key enforcement.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/protocolerr"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the schema version this binary knows how to
// read and write. A database with a higher PRAGMA user_version is a
// fatal startup error; a lower one is migrated forward.
const CurrentSchemaVersion = 1

// ServerMode is the server-wide operating mode, persisted as a singleton
// row so it survives an agent restart during an upgrade handoff.
type ServerMode string

const (
	ModeNormal    ServerMode = "normal"
	ModeUpgrading ServerMode = "upgrading"
)

// PersistedApp is an app record as loaded from the store, paired with its
// route patterns.
type PersistedApp struct {
	Config config.AppConfig
	Routes []string
}

// Release records one deployed version of an app, kept for list_releases
// and rollback — a supplemented feature named by the original command set
// but absent from the distilled wire protocol.
type Release struct {
	App        string
	Version    string
	Path       string
	DeployedAt time.Time
}

// Store is the SQLite-backed durable state store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and
// configures the pragmas this store depends on. Call Init before any
// other method.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "create state store directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "open state store", err)
	}
	// The store is the single process-wide writer; pinning the pool to
	// one connection keeps every statement serialized against the same
	// SQLite handle and avoids SQLITE_BUSY races between goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA wal_autocheckpoint = 1000;",
		"PRAGMA journal_size_limit = 67108864;",
		"PRAGMA cache_size = -20000;",
		"PRAGMA mmap_size = 134217728;",
		"PRAGMA trusted_schema = OFF;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, fmt.Sprintf("apply pragma %q", pragma), err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the on-disk database path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Init creates the schema at the current version if the database is
// empty, migrates forward from a lower version, and fails if the
// on-disk schema is newer than this binary understands.
func (s *Store) Init() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return protocolerr.Wrap(protocolerr.KindStateStoreError, "read schema version", err)
	}

	if version > CurrentSchemaVersion {
		return protocolerr.New(protocolerr.KindStateStoreError,
			fmt.Sprintf("database schema version %d is newer than this binary supports (%d)", version, CurrentSchemaVersion))
	}

	return s.withTx(func(tx *sql.Tx) error {
		if err := ensureSchemaObjects(tx); err != nil {
			return err
		}
		if version < CurrentSchemaVersion {
			if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", CurrentSchemaVersion)); err != nil {
				return err
			}
		}
		return upsertSchemaMeta(tx)
	})
}

func ensureSchemaObjects(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			schema_version INTEGER NOT NULL,
			min_binary_version TEXT NOT NULL,
			created_by TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS apps (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			path TEXT NOT NULL,
			cwd TEXT NOT NULL,
			command_json TEXT NOT NULL,
			env_json TEXT NOT NULL,
			min_instances INTEGER NOT NULL,
			max_instances INTEGER NOT NULL,
			base_port INTEGER NOT NULL,
			idle_timeout_secs INTEGER NOT NULL,
			health_check_path TEXT NOT NULL DEFAULT '',
			lb_strategy TEXT NOT NULL DEFAULT '',
			static_files INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS app_routes (
			app_name TEXT NOT NULL,
			route TEXT NOT NULL,
			PRIMARY KEY (app_name, route),
			FOREIGN KEY(app_name) REFERENCES apps(name) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS server_state (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			server_mode TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS upgrade_lock (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			owner TEXT NOT NULL,
			acquired_at_unix_secs INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS releases (
			app_name TEXT NOT NULL,
			version TEXT NOT NULL,
			path TEXT NOT NULL,
			deployed_at_unix_secs INTEGER NOT NULL,
			PRIMARY KEY (app_name, version),
			FOREIGN KEY(app_name) REFERENCES apps(name) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema object: %w", err)
		}
	}
	return nil
}

func upsertSchemaMeta(tx *sql.Tx) error {
	if _, err := tx.Exec(
		`INSERT INTO schema_meta (id, schema_version, min_binary_version, created_by)
		 VALUES (1, ?, ?, 'tako-agent')
		 ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			min_binary_version = excluded.min_binary_version,
			created_by = excluded.created_by;`,
		CurrentSchemaVersion, CurrentSchemaVersion,
	); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO server_state (id, server_mode) VALUES (1, 'normal')
		ON CONFLICT(id) DO NOTHING;`)
	return err
}

// withTx runs fn inside a transaction opened with database/sql's default
// BEGIN (deferred, not BEGIN IMMEDIATE), committing on success and
// rolling back on any error so partial writes never persist.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return protocolerr.Wrap(protocolerr.KindStateStoreError, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if _, ok := protocolerr.As(err); ok {
			return err
		}
		return protocolerr.Wrap(protocolerr.KindStateStoreError, "transaction failed", err)
	}
	if err := tx.Commit(); err != nil {
		return protocolerr.Wrap(protocolerr.KindStateStoreError, "commit transaction", err)
	}
	return nil
}

// UpsertApp inserts or replaces the app row by name, replaces its route
// set, and records the deploy in the release history, all in one
// transaction.
func (s *Store) UpsertApp(cfg config.AppConfig, routes []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		cwd := cfg.Cwd
		if cwd == "" {
			cwd = cfg.Path
		}

		commandJSON, err := json.Marshal(cfg.Command)
		if err != nil {
			return fmt.Errorf("serialize command: %w", err)
		}
		envJSON, err := json.Marshal(cfg.Env)
		if err != nil {
			return fmt.Errorf("serialize env: %w", err)
		}

		staticFiles := 0
		if cfg.StaticFilesEnabled {
			staticFiles = 1
		}

		if _, err := tx.Exec(
			`INSERT INTO apps (
				name, version, path, cwd, command_json, env_json,
				min_instances, max_instances, base_port, idle_timeout_secs,
				health_check_path, lb_strategy, static_files
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				path = excluded.path,
				cwd = excluded.cwd,
				command_json = excluded.command_json,
				env_json = excluded.env_json,
				min_instances = excluded.min_instances,
				max_instances = excluded.max_instances,
				base_port = excluded.base_port,
				idle_timeout_secs = excluded.idle_timeout_secs,
				health_check_path = excluded.health_check_path,
				lb_strategy = excluded.lb_strategy,
				static_files = excluded.static_files;`,
			cfg.Name, cfg.Version, cfg.Path, cwd, string(commandJSON), string(envJSON),
			cfg.MinInstances, cfg.MaxInstances, cfg.BasePort, cfg.IdleTimeoutSeconds,
			cfg.HealthCheckPath, cfg.LoadBalancerStrategy, staticFiles,
		); err != nil {
			return fmt.Errorf("upsert app: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM app_routes WHERE app_name = ?;`, cfg.Name); err != nil {
			return fmt.Errorf("clear routes: %w", err)
		}
		for _, route := range routes {
			if _, err := tx.Exec(`INSERT INTO app_routes (app_name, route) VALUES (?, ?);`, cfg.Name, route); err != nil {
				return fmt.Errorf("insert route %q: %w", route, err)
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO releases (app_name, version, path, deployed_at_unix_secs)
			 VALUES (?, ?, ?, strftime('%s','now'))
			 ON CONFLICT(app_name, version) DO UPDATE SET
				path = excluded.path,
				deployed_at_unix_secs = excluded.deployed_at_unix_secs;`,
			cfg.Name, cfg.Version, cfg.Path,
		); err != nil {
			return fmt.Errorf("record release: %w", err)
		}

		return nil
	})
}

// DeleteApp removes the app row; app_routes and releases cascade via the
// foreign key.
func (s *Store) DeleteApp(name string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM apps WHERE name = ?;`, name); err != nil {
			return fmt.Errorf("delete app: %w", err)
		}
		return nil
	})
}

// LoadApps returns every persisted app with its routes, ordered
// deterministically by name.
func (s *Store) LoadApps() ([]PersistedApp, error) {
	rows, err := s.db.Query(
		`SELECT name, version, path, cwd, command_json, env_json,
			min_instances, max_instances, base_port, idle_timeout_secs,
			health_check_path, lb_strategy, static_files
		 FROM apps ORDER BY name;`)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "load apps", err)
	}
	defer rows.Close()

	var apps []PersistedApp
	for rows.Next() {
		var cfg config.AppConfig
		var commandJSON, envJSON string
		var staticFiles int
		if err := rows.Scan(
			&cfg.Name, &cfg.Version, &cfg.Path, &cfg.Cwd, &commandJSON, &envJSON,
			&cfg.MinInstances, &cfg.MaxInstances, &cfg.BasePort, &cfg.IdleTimeoutSeconds,
			&cfg.HealthCheckPath, &cfg.LoadBalancerStrategy, &staticFiles,
		); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "scan app row", err)
		}
		cfg.StaticFilesEnabled = staticFiles != 0

		if err := json.Unmarshal([]byte(commandJSON), &cfg.Command); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "deserialize command", err)
		}
		if err := json.Unmarshal([]byte(envJSON), &cfg.Env); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "deserialize env", err)
		}

		routes, err := s.loadRoutes(cfg.Name)
		if err != nil {
			return nil, err
		}
		cfg.Routes = routes

		apps = append(apps, PersistedApp{Config: cfg, Routes: routes})
	}
	if err := rows.Err(); err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "iterate apps", err)
	}
	return apps, nil
}

func (s *Store) loadRoutes(appName string) ([]string, error) {
	rows, err := s.db.Query(`SELECT route FROM app_routes WHERE app_name = ? ORDER BY route;`, appName)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "load routes", err)
	}
	defer rows.Close()

	var routes []string
	for rows.Next() {
		var route string
		if err := rows.Scan(&route); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "scan route", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// SetServerMode persists the server-wide operating mode.
func (s *Store) SetServerMode(mode ServerMode) error {
	if _, err := s.db.Exec(`UPDATE server_state SET server_mode = ? WHERE id = 1;`, string(mode)); err != nil {
		return protocolerr.Wrap(protocolerr.KindStateStoreError, "set server mode", err)
	}
	return nil
}

// ServerMode returns the persisted server mode, defaulting to Normal when
// no row exists yet.
func (s *Store) ServerMode() (ServerMode, error) {
	var mode string
	err := s.db.QueryRow(`SELECT server_mode FROM server_state WHERE id = 1;`).Scan(&mode)
	if err == sql.ErrNoRows {
		return ModeNormal, nil
	}
	if err != nil {
		return "", protocolerr.Wrap(protocolerr.KindStateStoreError, "read server mode", err)
	}
	switch ServerMode(mode) {
	case ModeNormal, ModeUpgrading:
		return ServerMode(mode), nil
	default:
		return "", protocolerr.New(protocolerr.KindStateStoreError, fmt.Sprintf("unknown server_mode value: %s", mode))
	}
}

// TryAcquireUpgradeLock acquires the upgrade lock for owner. Acquisition
// is idempotent: calling it again with the same owner still returns true.
// It returns false if a different owner currently holds the lock.
func (s *Store) TryAcquireUpgradeLock(owner string) (bool, error) {
	var acquired bool
	err := s.withTx(func(tx *sql.Tx) error {
		existing, err := upgradeLockOwnerTx(tx)
		if err != nil {
			return err
		}
		switch {
		case existing != "" && existing == owner:
			acquired = true
		case existing != "":
			acquired = false
		default:
			if _, err := tx.Exec(
				`INSERT INTO upgrade_lock (id, owner, acquired_at_unix_secs) VALUES (1, ?, strftime('%s','now'));`,
				owner,
			); err != nil {
				return fmt.Errorf("acquire upgrade lock: %w", err)
			}
			acquired = true
		}
		return nil
	})
	return acquired, err
}

// ReleaseUpgradeLock releases the lock only if owner currently holds it,
// returning whether a release occurred.
func (s *Store) ReleaseUpgradeLock(owner string) (bool, error) {
	var released bool
	err := s.withTx(func(tx *sql.Tx) error {
		existing, err := upgradeLockOwnerTx(tx)
		if err != nil {
			return err
		}
		if existing == "" || existing != owner {
			released = false
			return nil
		}
		if _, err := tx.Exec(`DELETE FROM upgrade_lock WHERE id = 1;`); err != nil {
			return fmt.Errorf("release upgrade lock: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// UpgradeLockOwner returns the current lock owner, if any.
func (s *Store) UpgradeLockOwner() (string, bool, error) {
	var owner string
	err := s.db.QueryRow(`SELECT owner FROM upgrade_lock WHERE id = 1;`).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, protocolerr.Wrap(protocolerr.KindStateStoreError, "read upgrade lock owner", err)
	}
	return owner, true, nil
}

func upgradeLockOwnerTx(tx *sql.Tx) (string, error) {
	var owner string
	err := tx.QueryRow(`SELECT owner FROM upgrade_lock WHERE id = 1;`).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read upgrade lock owner: %w", err)
	}
	return owner, nil
}

// ListReleases returns the release history for an app, newest first.
func (s *Store) ListReleases(appName string) ([]Release, error) {
	rows, err := s.db.Query(
		`SELECT app_name, version, path, deployed_at_unix_secs
		 FROM releases WHERE app_name = ? ORDER BY deployed_at_unix_secs DESC;`, appName)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "list releases", err)
	}
	defer rows.Close()

	var releases []Release
	for rows.Next() {
		var r Release
		var deployedAtSecs int64
		if err := rows.Scan(&r.App, &r.Version, &r.Path, &deployedAtSecs); err != nil {
			return nil, protocolerr.Wrap(protocolerr.KindStateStoreError, "scan release row", err)
		}
		r.DeployedAt = time.Unix(deployedAtSecs, 0).UTC()
		releases = append(releases, r)
	}
	return releases, rows.Err()
}
