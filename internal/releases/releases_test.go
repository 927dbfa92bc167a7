package releases

import (
	"testing"
	"time"

	"github.com/tako-run/tako/internal/store"
)

type fakeStore struct {
	byApp map[string][]store.Release
}

func (f fakeStore) ListReleases(appName string) ([]store.Release, error) {
	return f.byApp[appName], nil
}

func TestListTranslatesPersistedReleases(t *testing.T) {
	m := New(fakeStore{byApp: map[string][]store.Release{
		"demo": {
			{App: "demo", Version: "v2", Path: "/releases/v2", DeployedAt: time.Unix(200, 0)},
			{App: "demo", Version: "v1", Path: "/releases/v1", DeployedAt: time.Unix(100, 0)},
		},
	}})

	out, err := m.List("demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].Version != "v2" || out[1].Version != "v1" {
		t.Errorf("unexpected release list: %+v", out)
	}
}

func TestResolveFindsMatchingVersion(t *testing.T) {
	m := New(fakeStore{byApp: map[string][]store.Release{
		"demo": {{App: "demo", Version: "v1", Path: "/releases/v1", DeployedAt: time.Unix(100, 0)}},
	}})

	r, err := m.Resolve("demo", "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Path != "/releases/v1" {
		t.Errorf("unexpected resolved release: %+v", r)
	}
}

func TestResolveUnknownVersionErrors(t *testing.T) {
	m := New(fakeStore{byApp: map[string][]store.Release{"demo": nil}})
	if _, err := m.Resolve("demo", "v9"); err == nil {
		t.Error("expected an error for an unrecorded version")
	}
}
