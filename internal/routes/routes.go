// Package routes matches incoming requests (host and path) to an app.
// The matching logic is pure (no net/http dependency in the hot path)
// so it stays easy to test in isolation from the proxy.
package routes

import (
	"sort"
	"strings"
	"sync"
)

// Entry is one uncompiled route pattern bound to an app.
type Entry struct {
	App     string
	Pattern string
}

// specificity orders routes so the most specific match is tried first:
// exact host beats wildcard host, longer path prefix beats shorter, and
// an exact path beats a wildcard path of equal prefix length.
type specificity struct {
	hostScore  int
	pathLen    int
	exactBonus int
}

func (a specificity) less(b specificity) bool {
	if a.hostScore != b.hostScore {
		return a.hostScore < b.hostScore
	}
	if a.pathLen != b.pathLen {
		return a.pathLen < b.pathLen
	}
	return a.exactBonus < b.exactBonus
}

// Compiled is a route entry split into host/path and scored, ready to be
// tried against a request.
type Compiled struct {
	App         string
	Host        string
	Path        string // empty means "no path constraint"
	HasPath     bool
	specificity specificity
}

// Selected is the result of a successful match.
type Selected struct {
	App  string
	Path string
	HasPath bool
}

// Table is a mutable, concurrency-safe collection of per-app route sets.
// Routes are recompiled and re-sorted whenever an app's route set changes.
type Table struct {
	mu        sync.RWMutex
	appRoutes map[string][]string
	compiled  []Compiled
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{appRoutes: make(map[string][]string)}
}

// SetAppRoutes replaces the route patterns for app and recompiles the
// table. An empty slice removes the app from routing without deleting
// its key, matching RoutesForApp's zero-value contract.
func (t *Table) SetAppRoutes(app string, patterns []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appRoutes[app] = patterns
	t.rebuild()
}

// RemoveAppRoutes drops app entirely from the table.
func (t *Table) RemoveAppRoutes(app string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.appRoutes, app)
	t.rebuild()
}

// RoutesForApp returns the currently configured patterns for app.
func (t *Table) RoutesForApp(app string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.appRoutes[app]...)
}

// Select returns the app name matching host/path, if any.
func (t *Table) Select(host, path string) (string, bool) {
	selected, ok := t.SelectWithRoute(host, path)
	if !ok {
		return "", false
	}
	return selected.App, true
}

// SelectWithRoute returns the full matched route, including the pattern
// path fragment, so a caller can strip a matched prefix for static-file
// serving.
func (t *Table) SelectWithRoute(host, path string) (Selected, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return SelectCompiled(t.compiled, host, path)
}

// Hosts returns the sorted, de-duplicated set of host patterns
// currently configured across every app, for use in a route-miss error
// body.
func (t *Table) Hosts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range t.compiled {
		seen[c.Host] = true
	}
	hosts := make([]string, 0, len(seen))
	for host := range seen {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (t *Table) rebuild() {
	var entries []Entry
	for app, patterns := range t.appRoutes {
		for _, pattern := range patterns {
			if pattern == "" {
				continue
			}
			entries = append(entries, Entry{App: app, Pattern: pattern})
		}
	}
	t.compiled = Compile(entries)
}

// Compile turns raw route entries into a specificity-sorted list ready
// for repeated matching. Ties keep the input order (a stable sort).
func Compile(entries []Entry) []Compiled {
	compiled := make([]Compiled, 0, len(entries))
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		host, path, hasPath := splitRoute(e.Pattern)
		compiled = append(compiled, Compiled{
			App:         e.App,
			Host:        host,
			Path:        path,
			HasPath:     hasPath,
			specificity: routeSpecificity(e.Pattern),
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[j].specificity.less(compiled[i].specificity)
	})
	return compiled
}

// SelectCompiled scans pre-sorted routes and returns the first match.
func SelectCompiled(routes []Compiled, host, path string) (Selected, bool) {
	for _, entry := range routes {
		if !hostnameMatches(entry.Host, host) {
			continue
		}
		if entry.HasPath && !pathMatches(entry.Path, path) {
			continue
		}
		return Selected{App: entry.App, Path: entry.Path, HasPath: entry.HasPath}, true
	}
	return Selected{}, false
}

func routeSpecificity(pattern string) specificity {
	if pattern == "" {
		return specificity{}
	}
	host, path, hasPath := splitRoute(pattern)

	hostScore := 2
	if strings.HasPrefix(host, "*.") {
		hostScore = 1
	}

	pathLen, exactBonus := 0, 0
	if hasPath {
		switch {
		case strings.HasSuffix(path, "/*"):
			pathLen = len(strings.TrimSuffix(path, "/*"))
		case strings.HasSuffix(path, "*"):
			pathLen = len(path) - 1
		default:
			pathLen = len(normalizeExactPath(path))
			exactBonus = 1
		}
	}

	return specificity{hostScore: hostScore, pathLen: pathLen, exactBonus: exactBonus}
}

func splitRoute(route string) (host, path string, hasPath bool) {
	idx := strings.IndexByte(route, '/')
	if idx < 0 {
		return route, "", false
	}
	return route[:idx], route[idx:], true
}

func hostnameMatches(pattern, hostname string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		if hostname == suffix {
			return false
		}
		return strings.HasSuffix(hostname, "."+suffix)
	}
	return pattern == hostname
}

func pathMatches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(path, prefix) &&
			(len(path) == len(prefix) || strings.HasPrefix(path[len(prefix):], "/"))
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(path, prefix)
	}
	return normalizeExactPath(pattern) == normalizeExactPath(path)
}

func normalizeExactPath(path string) string {
	if path == "/" {
		return "/"
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
