package routes

import "testing"

func entry(app, pattern string) Entry {
	return Entry{App: app, Pattern: pattern}
}

func selectApp(entries []Entry, host, path string) (string, bool) {
	selected, ok := SelectCompiled(Compile(entries), host, path)
	return selected.App, ok
}

func TestSelectAppExactHostBeatsWildcard(t *testing.T) {
	entries := []Entry{entry("wild", "*.example.com"), entry("exact", "api.example.com")}
	app, ok := selectApp(entries, "api.example.com", "/")
	if !ok || app != "exact" {
		t.Errorf("expected exact, got %q ok=%v", app, ok)
	}
}

func TestSelectAppLongerPathBeatsShorter(t *testing.T) {
	entries := []Entry{entry("short", "example.com/api/*"), entry("long", "example.com/api/v1/*")}
	app, ok := selectApp(entries, "example.com", "/api/v1/users")
	if !ok || app != "long" {
		t.Errorf("expected long, got %q ok=%v", app, ok)
	}
}

func TestSelectAppNoMatch(t *testing.T) {
	entries := []Entry{entry("a", "api.example.com")}
	if _, ok := selectApp(entries, "example.com", "/"); ok {
		t.Error("expected no match")
	}
}

func TestEmptyPatternMatchesNothing(t *testing.T) {
	entries := []Entry{entry("catchall", "")}
	if _, ok := selectApp(entries, "any.domain.com", "/any/path"); ok {
		t.Error("expected empty pattern to never match")
	}
}

func TestSpecificPatternIgnoresEmptyPattern(t *testing.T) {
	entries := []Entry{entry("catchall", ""), entry("specific", "api.example.com")}
	if app, ok := selectApp(entries, "api.example.com", "/"); !ok || app != "specific" {
		t.Errorf("expected specific, got %q ok=%v", app, ok)
	}
	if _, ok := selectApp(entries, "other.com", "/"); ok {
		t.Error("expected no match for other.com")
	}
}

func TestEmptyRoutesReturnsNone(t *testing.T) {
	if _, ok := selectApp(nil, "example.com", "/"); ok {
		t.Error("expected no match with no routes")
	}
}

func TestTableSingleAppWithoutRoutesMatchesNothing(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("app", nil)
	if _, ok := table.Select("unknown.example.com", "/any/path"); ok {
		t.Error("expected no match")
	}
}

func TestTableDoesNotUseNoRouteAppAsCatchallFallback(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("fallback", nil)
	table.SetAppRoutes("api", []string{"api.example.com"})

	if _, ok := table.Select("other.example.com", "/"); ok {
		t.Error("expected no match for other.example.com")
	}
	if app, ok := table.Select("api.example.com", "/"); !ok || app != "api" {
		t.Errorf("expected api, got %q ok=%v", app, ok)
	}
}

func TestTableIgnoresMultipleNoRouteApps(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("fallback-a", nil)
	table.SetAppRoutes("fallback-b", nil)
	table.SetAppRoutes("api", []string{"api.example.com"})

	if _, ok := table.Select("other.example.com", "/"); ok {
		t.Error("expected no match for other.example.com")
	}
	if app, ok := table.Select("api.example.com", "/"); !ok || app != "api" {
		t.Errorf("expected api, got %q ok=%v", app, ok)
	}
}

func TestTableRemoveAppRoutes(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("api", []string{"api.example.com"})
	table.SetAppRoutes("web", []string{"example.com"})

	table.RemoveAppRoutes("api")

	if routes := table.RoutesForApp("api"); len(routes) != 0 {
		t.Errorf("expected no routes for api, got %v", routes)
	}
	if _, ok := table.Select("api.example.com", "/"); ok {
		t.Error("removed app routes should no longer match")
	}
	if app, ok := table.Select("example.com", "/"); !ok || app != "web" {
		t.Errorf("other apps should remain routable, got %q ok=%v", app, ok)
	}
}

func TestHostnameExactMatch(t *testing.T) {
	if !hostnameMatches("api.example.com", "api.example.com") {
		t.Error("expected exact match")
	}
	if hostnameMatches("api.example.com", "www.example.com") {
		t.Error("expected no match")
	}
	if hostnameMatches("api.example.com", "example.com") {
		t.Error("expected no match")
	}
}

func TestHostnameWildcardMatch(t *testing.T) {
	for _, h := range []string{"api.example.com", "www.example.com", "deep.sub.example.com"} {
		if !hostnameMatches("*.example.com", h) {
			t.Errorf("expected %s to match *.example.com", h)
		}
	}
}

func TestHostnameWildcardDoesNotMatchApex(t *testing.T) {
	if hostnameMatches("*.example.com", "example.com") {
		t.Error("*.example.com should not match the apex")
	}
}

func TestHostnameWildcardRequiresSubdomain(t *testing.T) {
	if hostnameMatches("*.example.com", "otherexample.com") {
		t.Error("should not match otherexample.com")
	}
	if hostnameMatches("*.example.com", "fakeexample.com") {
		t.Error("should not match fakeexample.com")
	}
}

func TestPathExactMatch(t *testing.T) {
	if !pathMatches("/api/users", "/api/users") {
		t.Error("expected exact match")
	}
	if !pathMatches("/api/users", "/api/users/") {
		t.Error("expected trailing slash to normalize")
	}
	if !pathMatches("/api/users/", "/api/users") {
		t.Error("expected trailing slash to normalize")
	}
	if pathMatches("/api/users", "/api/users/123") {
		t.Error("expected no match for a deeper path")
	}
}

func TestPathPrefixWithSlashStar(t *testing.T) {
	if !pathMatches("/api/*", "/api/users") {
		t.Error("expected match")
	}
	if !pathMatches("/api/*", "/api/users/123") {
		t.Error("expected match")
	}
	if !pathMatches("/api/*", "/api/") {
		t.Error("expected match")
	}
	if !pathMatches("/api/*", "/api") {
		t.Error("expected exact prefix to match")
	}
	if pathMatches("/api/*", "/apifoo") {
		t.Error("expected no match without separator")
	}
}

func TestPathPrefixWithStar(t *testing.T) {
	if !pathMatches("/api*", "/api") {
		t.Error("expected match")
	}
	if !pathMatches("/api*", "/api/") {
		t.Error("expected match")
	}
	if !pathMatches("/api*", "/api/users") {
		t.Error("expected match")
	}
	if !pathMatches("/api*", "/apiv2") {
		t.Error("expected match, unlike /api/*")
	}
}

func TestPathNoneMatchesAll(t *testing.T) {
	entries := []Entry{entry("app", "example.com")}
	if app, ok := selectApp(entries, "example.com", "/any/path"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
	if app, ok := selectApp(entries, "example.com", "/"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
}

func TestHostOnlyAndHostSlashStarMatchEquivalently(t *testing.T) {
	for _, path := range []string{"/", "/api", "/api/v1/users"} {
		if !pathMatchesRoute("example.com", path) {
			t.Errorf("host-only route should match path %s", path)
		}
		if !pathMatchesRoute("example.com/*", path) {
			t.Errorf("host/* route should match path %s", path)
		}
	}
	if routeSpecificity("example.com") != routeSpecificity("example.com/*") {
		t.Error("expected equal specificity for host-only and host/*")
	}
}

func pathMatchesRoute(pattern, path string) bool {
	host, p, hasPath := splitRoute(pattern)
	if !hostnameMatches(host, "example.com") {
		return false
	}
	if !hasPath {
		return true
	}
	return pathMatches(p, path)
}

func TestSpecificityExactPathBeatsWildcardPath(t *testing.T) {
	entries := []Entry{entry("wildcard", "example.com/api/*"), entry("exact", "example.com/api/users")}
	if app, ok := selectApp(entries, "example.com", "/api/users"); !ok || app != "exact" {
		t.Errorf("expected exact, got %q ok=%v", app, ok)
	}
}

func TestSpecificityHostBeatsPathLength(t *testing.T) {
	entries := []Entry{entry("wildcard_host", "*.example.com/api/*"), entry("exact_host", "api.example.com/*")}
	if app, ok := selectApp(entries, "api.example.com", "/api/v1/users"); !ok || app != "exact_host" {
		t.Errorf("expected exact_host, got %q ok=%v", app, ok)
	}
}

func TestSpecificityScores(t *testing.T) {
	cases := []struct {
		pattern string
		want    specificity
	}{
		{"", specificity{0, 0, 0}},
		{"example.com", specificity{2, 0, 0}},
		{"*.example.com", specificity{1, 0, 0}},
		{"example.com/api", specificity{2, 4, 1}},
		{"example.com/api/*", specificity{2, 4, 0}},
		{"example.com/api*", specificity{2, 4, 0}},
		{"*.example.com/api", specificity{1, 4, 1}},
	}
	for _, c := range cases {
		if got := routeSpecificity(c.pattern); got != c.want {
			t.Errorf("routeSpecificity(%q) = %+v, want %+v", c.pattern, got, c.want)
		}
	}
}

func TestSplitRouteHostOnly(t *testing.T) {
	host, _, hasPath := splitRoute("example.com")
	if host != "example.com" || hasPath {
		t.Errorf("unexpected split: host=%s hasPath=%v", host, hasPath)
	}
	host, _, hasPath = splitRoute("*.example.com")
	if host != "*.example.com" || hasPath {
		t.Errorf("unexpected split: host=%s hasPath=%v", host, hasPath)
	}
}

func TestSplitRouteWithPath(t *testing.T) {
	host, path, hasPath := splitRoute("example.com/api")
	if host != "example.com" || path != "/api" || !hasPath {
		t.Errorf("unexpected split: host=%s path=%s hasPath=%v", host, path, hasPath)
	}
	host, path, hasPath = splitRoute("example.com/api/v1")
	if host != "example.com" || path != "/api/v1" || !hasPath {
		t.Errorf("unexpected split: host=%s path=%s hasPath=%v", host, path, hasPath)
	}
}

func TestMultipleAppsDifferentPaths(t *testing.T) {
	entries := []Entry{
		entry("api", "example.com/api/*"),
		entry("admin", "example.com/admin/*"),
		entry("web", "example.com/*"),
	}
	cases := map[string]string{"/api/users": "api", "/admin/dashboard": "admin", "/about": "web"}
	for path, want := range cases {
		if app, ok := selectApp(entries, "example.com", path); !ok || app != want {
			t.Errorf("path %s: expected %s, got %q ok=%v", path, want, app, ok)
		}
	}
}

func TestMultipleAppsDifferentSubdomains(t *testing.T) {
	entries := []Entry{
		entry("api", "api.example.com"),
		entry("admin", "admin.example.com"),
		entry("catchall", "*.example.com"),
	}
	cases := map[string]string{"api.example.com": "api", "admin.example.com": "admin", "blog.example.com": "catchall"}
	for host, want := range cases {
		if app, ok := selectApp(entries, host, "/"); !ok || app != want {
			t.Errorf("host %s: expected %s, got %q ok=%v", host, want, app, ok)
		}
	}
}

func TestFirstMatchWinsOnEqualSpecificity(t *testing.T) {
	entries := []Entry{entry("first", "example.com/api"), entry("second", "example.com/api")}
	if app, ok := selectApp(entries, "example.com", "/api"); !ok || app != "first" {
		t.Errorf("expected first, got %q ok=%v", app, ok)
	}
}

func TestComplexMultiLevelRouting(t *testing.T) {
	entries := []Entry{
		entry("api-v2", "api.example.com/v2/*"),
		entry("api-v1", "api.example.com/v1/*"),
		entry("api-fallback", "api.example.com/*"),
		entry("web", "www.example.com/*"),
		entry("wildcard", "*.example.com"),
	}
	cases := []struct{ host, path, want string }{
		{"api.example.com", "/v2/users", "api-v2"},
		{"api.example.com", "/v1/users", "api-v1"},
		{"api.example.com", "/health", "api-fallback"},
		{"www.example.com", "/about", "web"},
		{"blog.example.com", "/post/123", "wildcard"},
	}
	for _, c := range cases {
		if app, ok := selectApp(entries, c.host, c.path); !ok || app != c.want {
			t.Errorf("%s%s: expected %s, got %q ok=%v", c.host, c.path, c.want, app, ok)
		}
	}
	if _, ok := selectApp(entries, "other.com", "/"); ok {
		t.Error("expected no match for other.com")
	}
}

func TestTrailingSlashInPath(t *testing.T) {
	entries := []Entry{entry("app", "example.com/api")}
	if app, ok := selectApp(entries, "example.com", "/api"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
	if app, ok := selectApp(entries, "example.com", "/api/"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}

	withSlash := []Entry{entry("app", "example.com/api/")}
	if app, ok := selectApp(withSlash, "example.com", "/api"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
	if app, ok := selectApp(withSlash, "example.com", "/api/"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
}

func TestRootPath(t *testing.T) {
	entries := []Entry{entry("app", "example.com/")}
	if app, ok := selectApp(entries, "example.com", "/"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
	if _, ok := selectApp(entries, "example.com", "/other"); ok {
		t.Error("expected no match")
	}
}

func TestCaseSensitivity(t *testing.T) {
	entries := []Entry{entry("app", "Example.Com/API")}
	if app, ok := selectApp(entries, "Example.Com", "/API"); !ok || app != "app" {
		t.Errorf("expected app, got %q ok=%v", app, ok)
	}
	if _, ok := selectApp(entries, "example.com", "/api"); ok {
		t.Error("expected routing to be case-sensitive")
	}
}

func TestTableSelectWithRouteReturnsMatchedPathPattern(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("web", []string{"example.com/tanstack-start/*"})

	matched, ok := table.SelectWithRoute("example.com", "/tanstack-start/assets/main.js")
	if !ok {
		t.Fatal("expected matching route")
	}
	if matched.App != "web" {
		t.Errorf("expected app web, got %s", matched.App)
	}
	if matched.Path != "/tanstack-start/*" {
		t.Errorf("expected path pattern /tanstack-start/*, got %s", matched.Path)
	}
}

func TestHostsReturnsSortedUniqueHosts(t *testing.T) {
	table := NewTable()
	table.SetAppRoutes("api", []string{"api.example.com/v1/*", "api.example.com/v2/*"})
	table.SetAppRoutes("web", []string{"*.example.com"})

	hosts := table.Hosts()
	if len(hosts) != 2 {
		t.Fatalf("expected 2 unique hosts, got %v", hosts)
	}
	if hosts[0] != "*.example.com" || hosts[1] != "api.example.com" {
		t.Errorf("unexpected hosts: %v", hosts)
	}
}
