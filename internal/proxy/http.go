package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// challengeTokens is the narrow view of *acme.ChallengeTokens the HTTP
// front needs to answer HTTP-01 challenge requests.
type challengeTokens interface {
	KeyAuthorization(token string) (string, bool)
}

// HTTPFront answers ACME HTTP-01 challenge requests and redirects
// everything else to HTTPS.
type HTTPFront struct {
	cfg    Config
	tokens challengeTokens
	logger *slog.Logger
	srv    *http.Server
}

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// NewHTTPFront wires the plaintext listener over tokens, the shared
// token map the ACME client publishes HTTP-01 key authorizations into.
func NewHTTPFront(cfg Config, tokens challengeTokens, logger *slog.Logger) *HTTPFront {
	return &HTTPFront{cfg: cfg, tokens: tokens, logger: logger}
}

// Start begins serving HTTP in the background.
func (f *HTTPFront) Start() error {
	f.srv = &http.Server{
		Addr:              f.cfg.HTTPAddr,
		Handler:           http.HandlerFunc(f.handle),
		ReadHeaderTimeout: f.cfg.ReadHeaderTimeout,
	}

	f.logger.Info("starting http front", "addr", f.cfg.HTTPAddr)
	go func() {
		if err := f.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("http front error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (f *HTTPFront) Stop(ctx context.Context) error {
	if f.srv == nil {
		return nil
	}
	f.logger.Info("stopping http front")
	return f.srv.Shutdown(ctx)
}

func (f *HTTPFront) handle(w http.ResponseWriter, r *http.Request) {
	if token, ok := strings.CutPrefix(r.URL.Path, acmeChallengePrefix); ok {
		f.serveChallenge(w, token)
		return
	}
	f.redirect(w, r)
}

func (f *HTTPFront) serveChallenge(w http.ResponseWriter, token string) {
	keyAuth, ok := f.tokens.KeyAuthorization(token)
	if !ok {
		http.NotFound(w, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, keyAuth)
}

func (f *HTTPFront) redirect(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)
	target := "https://" + host
	if f.cfg.HTTPSPort != 443 {
		target += fmt.Sprintf(":%d", f.cfg.HTTPSPort)
	}
	target += r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}
