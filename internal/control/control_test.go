package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/instances"
	"github.com/tako-run/tako/internal/releases"
	"github.com/tako-run/tako/internal/store"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSupervisor struct {
	apps        map[string]*instances.App
	deployErr   error
	deployCalls []config.AppConfig
	stopped     []string
	removed     []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{apps: make(map[string]*instances.App)}
}

func (f *fakeSupervisor) Deploy(ctx context.Context, cfg config.AppConfig) error {
	f.deployCalls = append(f.deployCalls, cfg)
	if f.deployErr != nil {
		return f.deployErr
	}
	if app, ok := f.apps[cfg.Name]; ok {
		app.SetConfig(cfg)
	} else {
		f.apps[cfg.Name] = instances.NewApp(cfg)
	}
	return nil
}

func (f *fakeSupervisor) StopApp(name string) { f.stopped = append(f.stopped, name) }

func (f *fakeSupervisor) RemoveApp(name string) {
	f.removed = append(f.removed, name)
	delete(f.apps, name)
}

func (f *fakeSupervisor) App(name string) (*instances.App, bool) {
	app, ok := f.apps[name]
	return app, ok
}

func (f *fakeSupervisor) Apps() []*instances.App {
	out := make([]*instances.App, 0, len(f.apps))
	for _, app := range f.apps {
		out = append(out, app)
	}
	return out
}

type fakeRoutes struct {
	set     map[string][]string
	removed []string
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{set: make(map[string][]string)}
}

func (f *fakeRoutes) SetAppRoutes(app string, patterns []string) { f.set[app] = patterns }
func (f *fakeRoutes) RemoveAppRoutes(app string) {
	f.removed = append(f.removed, app)
	delete(f.set, app)
}

type fakeStore struct {
	upserts   []config.AppConfig
	deletes   []string
	mode      store.ServerMode
	lockOwner string
}

func newFakeStore() *fakeStore {
	return &fakeStore{mode: store.ModeNormal}
}

func (f *fakeStore) UpsertApp(cfg config.AppConfig, routes []string) error {
	f.upserts = append(f.upserts, cfg)
	return nil
}
func (f *fakeStore) DeleteApp(name string) error {
	f.deletes = append(f.deletes, name)
	return nil
}
func (f *fakeStore) SetServerMode(mode store.ServerMode) error { f.mode = mode; return nil }
func (f *fakeStore) ServerMode() (store.ServerMode, error)     { return f.mode, nil }
func (f *fakeStore) TryAcquireUpgradeLock(owner string) (bool, error) {
	if f.lockOwner == "" || f.lockOwner == owner {
		f.lockOwner = owner
		return true, nil
	}
	return false, nil
}
func (f *fakeStore) ReleaseUpgradeLock(owner string) (bool, error) {
	if f.lockOwner == owner {
		f.lockOwner = ""
		return true, nil
	}
	return false, nil
}
type fakeReleases struct {
	byApp map[string][]releases.Release
}

func newFakeReleases() *fakeReleases {
	return &fakeReleases{byApp: make(map[string][]releases.Release)}
}

func (f *fakeReleases) List(appName string) ([]releases.Release, error) {
	return f.byApp[appName], nil
}

func (f *fakeReleases) Resolve(appName, version string) (releases.Release, error) {
	for _, r := range f.byApp[appName] {
		if r.Version == version {
			return r, nil
		}
	}
	return releases.Release{}, fmt.Errorf("no recorded release %s for app %s", version, appName)
}

type fakeStatic struct {
	registered   map[string]string
	unregistered []string
}

func newFakeStatic() *fakeStatic {
	return &fakeStatic{registered: make(map[string]string)}
}

func (f *fakeStatic) RegisterApp(appName, appRoot string) { f.registered[appName] = appRoot }
func (f *fakeStatic) UnregisterApp(appName string) {
	f.unregistered = append(f.unregistered, appName)
	delete(f.registered, appName)
}

func newTestServer() (*Server, *fakeSupervisor, *fakeRoutes, *fakeStore, *fakeReleases) {
	sup := newFakeSupervisor()
	rt := newFakeRoutes()
	st := newFakeStore()
	rel := newFakeReleases()
	srv := NewServer("", "test-version", RuntimeInfo{
		Socket: "/tmp/tako.sock", DataDir: "/opt/tako", HTTPPort: 80, HTTPSPort: 443,
		RenewalIntervalHours: 24,
	}, sup, rt, st, rel, newFakeStatic(), noopLogger())
	return srv, sup, rt, st, rel
}

func TestHelloHandshakeRejectsWrongVersion(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	req := Request{Command: "hello", ProtocolVersion: ProtocolVersion + 1}
	line, _ := json.Marshal(req)
	resp := srv.handleHello(line)
	if resp.Status != "error" {
		t.Fatalf("expected error, got %+v", resp)
	}
}

func TestHelloHandshakeAccepted(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	req := Request{Command: "hello", ProtocolVersion: ProtocolVersion}
	line, _ := json.Marshal(req)
	resp := srv.handleHello(line)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	data, ok := resp.Data.(HelloData)
	if !ok {
		t.Fatalf("expected HelloData, got %T", resp.Data)
	}
	if data.ServerVersion != "test-version" {
		t.Errorf("unexpected server version: %s", data.ServerVersion)
	}
}

func TestFirstLineMustBeHello(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	req := Request{Command: "status", App: "demo"}
	line, _ := json.Marshal(req)
	resp := srv.handleHello(line)
	if resp.Status != "error" {
		t.Fatalf("expected handshake-required error, got %+v", resp)
	}
}

func writeManifest(t *testing.T, dir string, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, manifestFileName)
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return dir
}

func TestDeployReadsManifestAndMergesRequestFields(t *testing.T) {
	srv, sup, rt, st, _ := newTestServer()
	dir := writeManifest(t, t.TempDir(), "command: [\"./server\"]\nbase_port: 9000\nenv:\n  STAGE: prod\n")

	resp := srv.dispatchForTest(Request{
		Command:     "deploy",
		App:         "demo",
		Version:     "v1",
		Path:        dir,
		Routes:      []string{"demo.example.com"},
		Instances:   2,
		IdleTimeout: 300,
	})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if len(sup.deployCalls) != 1 {
		t.Fatalf("expected one deploy call, got %d", len(sup.deployCalls))
	}
	cfg := sup.deployCalls[0]
	if cfg.Name != "demo" || cfg.Version != "v1" || cfg.MinInstances != 2 {
		t.Errorf("unexpected merged config: %+v", cfg)
	}
	if cfg.Env["STAGE"] != "prod" {
		t.Errorf("expected manifest env to carry through, got %+v", cfg.Env)
	}
	if len(rt.set["demo"]) != 1 || rt.set["demo"][0] != "demo.example.com" {
		t.Errorf("expected route table to be updated, got %+v", rt.set)
	}
	if len(st.upserts) != 1 {
		t.Errorf("expected store upsert, got %d", len(st.upserts))
	}
}

func TestDeployMissingManifestIsInvalidRequest(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	resp := srv.dispatchForTest(Request{
		Command: "deploy", App: "demo", Version: "v1", Path: t.TempDir(),
	})
	if resp.Status != "error" {
		t.Fatalf("expected error, got %+v", resp)
	}
}

func TestStatusUnknownAppIsError(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	resp := srv.dispatchForTest(Request{Command: "status", App: "nope"})
	if resp.Status != "error" {
		t.Fatalf("expected error, got %+v", resp)
	}
}

func TestStatusReportsInstancesAndBuilds(t *testing.T) {
	srv, sup, _, _, _ := newTestServer()
	app := instances.NewApp(config.AppConfig{Name: "demo", BasePort: 4000, Version: "v1"})
	app.AllocateInstance("v1", 0)
	app.SetState(instances.Running)
	sup.apps["demo"] = app

	resp := srv.dispatchForTest(Request{Command: "status", App: "demo"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	data := resp.Data.(AppStatus)
	if data.Name != "demo" || len(data.Instances) != 1 || len(data.Builds) != 1 {
		t.Errorf("unexpected status: %+v", data)
	}
	if data.Builds[0].Version != "v1" || data.Builds[0].Instances != 1 {
		t.Errorf("unexpected build status: %+v", data.Builds[0])
	}
}

func TestDeleteRemovesAppRoutesAndStoreEntry(t *testing.T) {
	srv, sup, rt, st, _ := newTestServer()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo"})

	resp := srv.dispatchForTest(Request{Command: "delete", App: "demo"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if len(sup.removed) != 1 || sup.removed[0] != "demo" {
		t.Errorf("expected RemoveApp called, got %v", sup.removed)
	}
	if len(rt.removed) != 1 || rt.removed[0] != "demo" {
		t.Errorf("expected RemoveAppRoutes called, got %v", rt.removed)
	}
	if len(st.deletes) != 1 {
		t.Errorf("expected store delete, got %d", len(st.deletes))
	}
}

func TestUpdateSecretsMergesEnvAndRedeploys(t *testing.T) {
	srv, sup, _, _, _ := newTestServer()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo", Env: map[string]string{"EXISTING": "1"}})

	resp := srv.dispatchForTest(Request{
		Command: "update_secrets", App: "demo",
		Secrets: map[string]string{"API_KEY": "shh"},
	})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	cfg := sup.deployCalls[len(sup.deployCalls)-1]
	if cfg.Env["API_KEY"] != "shh" || cfg.Env["EXISTING"] != "1" {
		t.Errorf("expected merged env, got %+v", cfg.Env)
	}
}

func TestEnterExitUpgradingOwnership(t *testing.T) {
	srv, _, _, st, _ := newTestServer()

	resp := srv.dispatchForTest(Request{Command: "enter_upgrading", Owner: "owner-a"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if st.mode != store.ModeUpgrading {
		t.Errorf("expected upgrading mode, got %s", st.mode)
	}

	resp = srv.dispatchForTest(Request{Command: "enter_upgrading", Owner: "owner-b"})
	if resp.Status != "error" {
		t.Fatalf("expected a different owner to be rejected, got %+v", resp)
	}

	resp = srv.dispatchForTest(Request{Command: "enter_upgrading", Owner: "owner-a"})
	if resp.Status != "ok" {
		t.Fatalf("expected idempotent re-entry for the same owner, got %+v", resp)
	}

	resp = srv.dispatchForTest(Request{Command: "exit_upgrading", Owner: "owner-b"})
	if resp.Status != "error" {
		t.Fatalf("expected exit by wrong owner to be rejected, got %+v", resp)
	}

	resp = srv.dispatchForTest(Request{Command: "exit_upgrading", Owner: "owner-a"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if st.mode != store.ModeNormal {
		t.Errorf("expected normal mode after exit, got %s", st.mode)
	}
}

func TestListReleasesMarksCurrentVersion(t *testing.T) {
	srv, sup, _, _, rel := newTestServer()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo", Version: "v2"})
	rel.byApp["demo"] = []releases.Release{
		{Version: "v2", Path: "/releases/v2", DeployedAt: time.Unix(200, 0)},
		{Version: "v1", Path: "/releases/v1", DeployedAt: time.Unix(100, 0)},
	}

	resp := srv.dispatchForTest(Request{Command: "list_releases", App: "demo"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	data := resp.Data.(ListReleasesData)
	if len(data.Releases) != 2 || !data.Releases[0].Current || data.Releases[1].Current {
		t.Errorf("unexpected releases: %+v", data.Releases)
	}
}

func TestRollbackRedeploysRecordedRelease(t *testing.T) {
	srv, sup, _, _, rel := newTestServer()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo", Version: "v2", Path: "/releases/v2"})
	rel.byApp["demo"] = []releases.Release{
		{Version: "v1", Path: "/releases/v1", DeployedAt: time.Unix(100, 0)},
	}

	resp := srv.dispatchForTest(Request{Command: "rollback", App: "demo", Version: "v1"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	cfg := sup.deployCalls[len(sup.deployCalls)-1]
	if cfg.Version != "v1" || cfg.Path != "/releases/v1" {
		t.Errorf("unexpected rollback config: %+v", cfg)
	}
}

func TestRollbackUnknownVersionIsError(t *testing.T) {
	srv, sup, _, _, _ := newTestServer()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo"})

	resp := srv.dispatchForTest(Request{Command: "rollback", App: "demo", Version: "v9"})
	if resp.Status != "error" {
		t.Fatalf("expected error, got %+v", resp)
	}
}

func TestServerInfoReportsMode(t *testing.T) {
	srv, _, _, st, _ := newTestServer()
	st.mode = store.ModeUpgrading

	resp := srv.dispatchForTest(Request{Command: "server_info"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	info := resp.Data.(ServerRuntimeInfo)
	if info.Mode != "upgrading" || info.HTTPSPort != 443 {
		t.Errorf("unexpected runtime info: %+v", info)
	}
}

// dispatchForTest marshals req and routes it through dispatch, mirroring
// what a connection does after a completed handshake.
func (s *Server) dispatchForTest(req Request) Response {
	line, _ := json.Marshal(req)
	return s.dispatch(line)
}

func TestEndToEndOverUnixSocket(t *testing.T) {
	sup := newFakeSupervisor()
	rt := newFakeRoutes()
	st := newFakeStore()
	rel := newFakeReleases()
	sup.apps["demo"] = instances.NewApp(config.AppConfig{Name: "demo", Version: "v1"})

	socketPath := filepath.Join(t.TempDir(), "tako.sock")
	srv := NewServer(socketPath, "test-version", RuntimeInfo{HTTPSPort: 443}, sup, rt, st, rel, newFakeStatic(), noopLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	defer srv.Stop(context.Background())

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dialing socket: %v", err)
	}
	defer conn.Close()

	writer := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)

	send := func(req Request) Response {
		line, _ := json.Marshal(req)
		writer.Write(append(line, '\n'))
		writer.Flush()
		if !scanner.Scan() {
			t.Fatalf("connection closed unexpectedly: %v", scanner.Err())
		}
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		return resp
	}

	if resp := send(Request{Command: "hello", ProtocolVersion: ProtocolVersion}); resp.Status != "ok" {
		t.Fatalf("expected hello ok, got %+v", resp)
	}
	if resp := send(Request{Command: "status", App: "demo"}); resp.Status != "ok" {
		t.Fatalf("expected status ok, got %+v", resp)
	}
}
