package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tako-run/tako/internal/staticfiles"
)

// HTTPSFront terminates TLS with SNI-driven cert selection and proxies
// matched requests to an app's static files or instance pool.
type HTTPSFront struct {
	cfg Config

	certs   certSource
	routes  routeTable
	lb      balancer
	sup     supervisor
	static  staticResolver
	logger  *slog.Logger

	transport *http.Transport
	srv       *http.Server
}

// NewHTTPSFront wires an HTTPS listener over the given dependencies.
// certs, rt, bal, sup, and static may be any type satisfying the
// package's unexported lookup interfaces; production callers pass
// *certs.Manager, *routes.Table, *lb.LoadBalancer, *instances.Manager,
// and *staticfiles.Manager respectively.
func NewHTTPSFront(cfg Config, certMgr certSource, rt routeTable, bal balancer, sup supervisor, static staticResolver, logger *slog.Logger) *HTTPSFront {
	return &HTTPSFront{
		cfg:    cfg,
		certs:  certMgr,
		routes: rt,
		lb:     bal,
		sup:    sup,
		static: static,
		logger: logger,
		transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Start begins serving HTTPS in the background. Certificates are
// selected per handshake via SNI, so no static cert/key file is given
// to the underlying listener.
func (f *HTTPSFront) Start() error {
	f.srv = &http.Server{
		Addr:    f.cfg.HTTPSAddr,
		Handler: http.HandlerFunc(f.handle),
		TLSConfig: &tls.Config{
			GetCertificate: f.getCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadHeaderTimeout: f.cfg.ReadHeaderTimeout,
	}

	f.logger.Info("starting https proxy", "addr", f.cfg.HTTPSAddr)
	go func() {
		if err := f.srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("https proxy error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTPS listener.
func (f *HTTPSFront) Stop(ctx context.Context) error {
	if f.srv == nil {
		return nil
	}
	f.logger.Info("stopping https proxy")
	return f.srv.Shutdown(ctx)
}

func (f *HTTPSFront) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	info, ok := f.certs.GetForHost(host)
	if !ok && f.cfg.SelfSignedFallbackDomain != "" {
		info, ok = f.certs.GetForHost(f.cfg.SelfSignedFallbackDomain)
	}
	if !ok {
		return nil, fmt.Errorf("no certificate for %q", host)
	}
	cert, err := tls.LoadX509KeyPair(info.CertPath, info.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate for %q: %w", host, err)
	}
	return &cert, nil
}

func (f *HTTPSFront) handle(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)

	selected, ok := f.routes.SelectWithRoute(host, r.URL.Path)
	if !ok {
		writeText(w, http.StatusNotFound, "no app routed for this host/path\nconfigured hosts: "+strings.Join(f.routes.Hosts(), ", ")+"\n")
		return
	}

	if file, err, staticOK := f.static.Resolve(selected.App, r.URL.Path); staticOK && err == nil {
		f.serveStatic(w, r, file)
		return
	}

	f.proxyToInstance(w, r, selected.App)
}

func (f *HTTPSFront) serveStatic(w http.ResponseWriter, r *http.Request, file staticfiles.File) {
	header := w.Header()
	header.Set("Content-Type", file.ContentType)
	header.Set("ETag", file.ETag)
	header.Set("Cache-Control", file.CacheControl)

	if match := r.Header.Get("If-None-Match"); match != "" && match == file.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	http.ServeFile(w, r, file.Path)
}

func (f *HTTPSFront) proxyToInstance(w http.ResponseWriter, r *http.Request, appName string) {
	backend, ok := f.lb.GetBackendForIP(appName, clientIP(r))
	if !ok {
		ctx, cancel := context.WithTimeout(r.Context(), f.cfg.UpstreamTimeout)
		defer cancel()
		if _, err := f.sup.EnsureInstance(ctx, appName); err != nil {
			writeText(w, http.StatusServiceUnavailable, "Starting...")
			return
		}
		backend, ok = f.lb.GetBackendForIP(appName, clientIP(r))
		if !ok {
			writeText(w, http.StatusServiceUnavailable, "Starting...")
			return
		}
	}
	defer f.lb.RequestCompleted(appName, backend.InstanceID)

	var inst instanceCounter
	if app, ok := f.sup.App(appName); ok {
		if i, ok := app.Instance(backend.InstanceID); ok {
			inst = i
		}
	}
	if inst != nil {
		inst.RequestStarted()
		defer inst.RequestEnded()
	}

	f.forward(w, r, backend.Addr)
}

// instanceCounter is the narrow view of *instances.Instance the proxy
// needs for in-flight request bookkeeping.
type instanceCounter interface {
	RequestStarted()
	RequestEnded()
}

func (f *HTTPSFront) forward(w http.ResponseWriter, r *http.Request, backendAddr string) {
	ctx, cancel := context.WithTimeout(r.Context(), f.cfg.UpstreamTimeout)
	defer cancel()

	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = backendAddr

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		writeText(w, http.StatusBadGateway, "bad gateway")
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("X-Forwarded-For", clientIPString(r))
	outReq.Header.Set("X-Forwarded-Proto", "https")
	outReq.Host = r.Host

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		f.logger.Warn("upstream connect failed", "backend", backendAddr, "error", err)
		writeText(w, http.StatusBadGateway, "bad gateway")
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func clientIPString(r *http.Request) string {
	if ip := clientIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}
