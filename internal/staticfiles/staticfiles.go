// Package staticfiles resolves request paths to files under an app's
// public directory, with a path-traversal guard, MIME-type lookup, and
// ETag/Cache-Control generation.
package staticfiles

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for a missing file or directory without an index.
var ErrNotFound = errors.New("file not found")

// ErrPathTraversal is returned when the resolved path escapes the app's
// public root.
var ErrPathTraversal = errors.New("path traversal detected")

// ErrInvalidPath is returned for a request path containing a null byte.
var ErrInvalidPath = errors.New("invalid path")

// Config controls one app's static file serving.
type Config struct {
	Enabled      bool
	PublicDir    string // relative to the app root; default "public"
	CacheMaxAge  time.Duration
	ServeIndex   bool
	ServeGzip    bool
}

// DefaultConfig matches the node agent's production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		PublicDir:   "public",
		CacheMaxAge: time.Hour,
		ServeIndex:  true,
		ServeGzip:   true,
	}
}

// extraMIMETypes supplements Go's stdlib mime.TypeByExtension table with
// the types the static file feature additionally needs to recognize.
var extraMIMETypes = map[string]string{
	".webmanifest": "application/manifest+json",
	".map":         "application/json",
	".avif":        "image/avif",
	".webp":        "image/webp",
	".webm":        "video/webm",
	".woff2":       "font/woff2",
}

// File is a resolved static file ready to be served.
type File struct {
	Path         string
	ContentType  string
	Size         int64
	LastModified time.Time
	ETag         string
	CacheControl string
}

// AppServer serves static files for one app from root = appRoot/PublicDir.
type AppServer struct {
	appName string
	root    string
	cfg     Config
}

// NewAppServer creates a static file server rooted at appRoot/cfg.PublicDir.
func NewAppServer(appName, appRoot string, cfg Config) *AppServer {
	if cfg.PublicDir == "" {
		cfg.PublicDir = "public"
	}
	return &AppServer{appName: appName, root: filepath.Join(appRoot, cfg.PublicDir), cfg: cfg}
}

// IsAvailable reports whether static serving is enabled and the public
// directory exists.
func (s *AppServer) IsAvailable() bool {
	if !s.cfg.Enabled {
		return false
	}
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

// Root returns the app's static file root directory.
func (s *AppServer) Root() string { return s.root }

// Resolve maps requestPath to a file under the app's public root,
// guarding against traversal outside it and optionally serving
// index.html for directories.
func (s *AppServer) Resolve(requestPath string) (File, error) {
	clean, err := normalizePath(requestPath)
	if err != nil {
		return File{}, err
	}

	fullPath := filepath.Join(s.root, clean)

	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return File{}, fmt.Errorf("resolving root: %w", err)
	}
	targetAbs, err := filepath.Abs(fullPath)
	if err != nil {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
	}
	if !isWithinRoot(rootAbs, targetAbs) {
		return File{}, fmt.Errorf("%w: %s", ErrPathTraversal, requestPath)
	}

	info, err := os.Stat(targetAbs)
	if err != nil {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
	}

	target := targetAbs
	if info.IsDir() {
		if !s.cfg.ServeIndex {
			return File{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
		}
		indexPath := filepath.Join(targetAbs, "index.html")
		indexInfo, err := os.Stat(indexPath)
		if err != nil || indexInfo.IsDir() {
			return File{}, fmt.Errorf("%w: %s", ErrNotFound, requestPath)
		}
		target = indexPath
		info = indexInfo
	}

	ext := strings.ToLower(filepath.Ext(target))
	return File{
		Path:         target,
		ContentType:  contentType(ext),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		ETag:         generateETag(info.Size(), info.ModTime()),
		CacheControl: fmt.Sprintf("public, max-age=%d", int(s.cfg.CacheMaxAge.Seconds())),
	}, nil
}

// HasGzip reports whether a pre-compressed sibling (path + ".gz") exists.
func (s *AppServer) HasGzip(path string) bool {
	if !s.cfg.ServeGzip {
		return false
	}
	_, err := os.Stat(path + ".gz")
	return err == nil
}

func contentType(ext string) string {
	if ct, ok := extraMIMETypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func generateETag(size int64, modified time.Time) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%d%d", size, modified.Unix()))
}

func normalizePath(requestPath string) (string, error) {
	p := strings.TrimPrefix(requestPath, "/")
	if strings.Contains(p, "\x00") {
		return "", fmt.Errorf("%w: null byte in path", ErrInvalidPath)
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, requestPath)
	}
	return p, nil
}

func isWithinRoot(rootAbs, targetAbs string) bool {
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// Manager registers per-app static servers and dispatches resolution by
// app name.
type Manager struct {
	mu            sync.RWMutex
	servers       map[string]*AppServer
	defaultConfig Config
}

// NewManager creates a Manager using defaultConfig for apps registered
// without an explicit config.
func NewManager(defaultConfig Config) *Manager {
	return &Manager{servers: make(map[string]*AppServer), defaultConfig: defaultConfig}
}

// RegisterApp registers appName with the manager's default config.
func (m *Manager) RegisterApp(appName, appRoot string) {
	m.RegisterAppWithConfig(appName, appRoot, m.defaultConfig)
}

// RegisterAppWithConfig registers appName with a custom config.
func (m *Manager) RegisterAppWithConfig(appName, appRoot string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[appName] = NewAppServer(appName, appRoot, cfg)
}

// UnregisterApp removes an app's static server.
func (m *Manager) UnregisterApp(appName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, appName)
}

// Resolve attempts to resolve path for appName. It returns ok=false if
// the app is not registered or has no static serving available.
func (m *Manager) Resolve(appName, path string) (File, error, bool) {
	m.mu.RLock()
	server, ok := m.servers[appName]
	m.mu.RUnlock()
	if !ok || !server.IsAvailable() {
		return File{}, nil, false
	}
	file, err := server.Resolve(path)
	return file, err, true
}

// HasStaticFiles reports whether appName has static serving available.
func (m *Manager) HasStaticFiles(appName string) bool {
	m.mu.RLock()
	server, ok := m.servers[appName]
	m.mu.RUnlock()
	return ok && server.IsAvailable()
}

// ListApps returns every registered app name.
func (m *Manager) ListApps() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.servers))
	for name := range m.servers {
		out = append(out, name)
	}
	return out
}
