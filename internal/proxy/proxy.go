// Package proxy hosts the node agent's two public listeners: an
// HTTPS reverse proxy that terminates TLS by SNI and dispatches to an
// app's static files or instance pool, and a plaintext HTTP front that
// answers ACME HTTP-01 challenges and redirects everything else to
// HTTPS.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tako-run/tako/internal/certs"
	"github.com/tako-run/tako/internal/instances"
	"github.com/tako-run/tako/internal/lb"
	"github.com/tako-run/tako/internal/routes"
	"github.com/tako-run/tako/internal/staticfiles"
)

// Config controls both listeners.
type Config struct {
	HTTPAddr  string
	HTTPSAddr string
	// HTTPSPort is appended to a redirect target when it is not 443.
	HTTPSPort int
	// SelfSignedFallbackDomain names a cert (typically a self-signed
	// one registered at startup) to serve when SNI matches nothing.
	// Empty disables the fallback and closes the connection instead.
	SelfSignedFallbackDomain string

	ReadHeaderTimeout time.Duration
	// UpstreamTimeout bounds a single request to an instance.
	UpstreamTimeout time.Duration
}

// DefaultConfig returns production listener timeouts.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          ":80",
		HTTPSAddr:         ":443",
		HTTPSPort:         443,
		ReadHeaderTimeout: 10 * time.Second,
		UpstreamTimeout:   30 * time.Second,
	}
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// certSource looks up a TLS certificate by the handshake's SNI host.
type certSource interface {
	GetForHost(host string) (certs.Info, bool)
}

// routeTable resolves a request's app and matched pattern.
type routeTable interface {
	SelectWithRoute(host, path string) (routes.Selected, bool)
	Hosts() []string
}

// balancer picks a backend instance for an app and tracks in-flight
// connections against it.
type balancer interface {
	GetBackendForIP(appName string, clientIP net.IP) (lb.Backend, bool)
	RequestCompleted(appName string, instanceID uint32)
	HasHealthyInstance(appName string) bool
}

// supervisor ensures at least one instance of an app is healthy,
// spawning on-demand if needed, and exposes app state for dispatch
// decisions and per-instance request tracking.
type supervisor interface {
	EnsureInstance(ctx context.Context, name string) (*instances.Instance, error)
	App(name string) (*instances.App, bool)
}

// staticResolver resolves a request path to a static file for an app.
type staticResolver interface {
	Resolve(appName, path string) (staticfiles.File, error, bool)
}
