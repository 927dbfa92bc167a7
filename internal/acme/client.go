// Package acme wraps an ACME (RFC 8555) client for HTTP-01 domain
// validation and certificate issuance/renewal against Let's Encrypt (or
// any compatible directory), handing finished certificates to the
// cert manager.
package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/tako-run/tako/internal/certs"
)

const (
	productionDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	stagingDirectoryURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// ErrInvalidDomain is returned for a domain that cannot be requested via
// ACME (empty, containing a path separator, or a leading dot).
var ErrInvalidDomain = errors.New("invalid domain")

// Config controls ACME account and issuance behavior.
type Config struct {
	Staging    bool
	Email      string
	AccountDir string
	Timeout    time.Duration
}

func (c Config) directoryURL() string {
	if c.Staging {
		return stagingDirectoryURL
	}
	return productionDirectoryURL
}

// acmeUser holds the ACME account's email, registration and key;
// legoUser adapts it to lego's registration.User.
type acmeUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          *ecdsa.PrivateKey
}

func (u *acmeUser) GetEmail() string                       { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }

// Client issues and renews certificates via ACME HTTP-01 challenges,
// publishing challenge tokens into a map the HTTP front reads from to
// answer `/.well-known/acme-challenge/<token>` requests.
type Client struct {
	cfg     Config
	certMgr *certs.Manager
	logger  *slog.Logger

	tokens *ChallengeTokens

	mu      sync.Mutex
	legoCli *lego.Client
	user    *acmeUser
}

// ChallengeTokens is the shared token -> key-authorization map the HTTP
// front consults to answer HTTP-01 challenge requests.
type ChallengeTokens struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewChallengeTokens creates an empty token map.
func NewChallengeTokens() *ChallengeTokens {
	return &ChallengeTokens{values: make(map[string]string)}
}

// KeyAuthorization returns the key authorization for token, if present.
func (t *ChallengeTokens) KeyAuthorization(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[token]
	return v, ok
}

func (t *ChallengeTokens) set(token, keyAuth string) {
	t.mu.Lock()
	t.values[token] = keyAuth
	t.mu.Unlock()
}

func (t *ChallengeTokens) clear(token string) {
	t.mu.Lock()
	delete(t.values, token)
	t.mu.Unlock()
}

// NewClient creates an ACME client using certMgr to persist issued
// certificates and tokens as the shared HTTP-01 challenge store.
func NewClient(cfg Config, certMgr *certs.Manager, tokens *ChallengeTokens, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, certMgr: certMgr, tokens: tokens, logger: logger}
}

// Init loads an existing ACME account from disk or registers a new one.
func (c *Client) Init() error {
	if err := os.MkdirAll(c.cfg.AccountDir, 0o755); err != nil {
		return fmt.Errorf("creating acme account dir: %w", err)
	}

	if user, err := c.loadAccount(); err == nil {
		c.logger.Info("loaded existing acme account")
		return c.buildClient(user, false)
	}

	return c.createAccount()
}

func (c *Client) credentialsPath() string {
	return filepath.Join(c.cfg.AccountDir, "credentials.json")
}

type storedCredentials struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	KeyPEM       []byte                 `json:"key_pem"`
}

func (c *Client) loadAccount() (*acmeUser, error) {
	data, err := os.ReadFile(c.credentialsPath())
	if err != nil {
		return nil, err
	}
	var stored storedCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing stored credentials: %w", err)
	}
	key, err := x509.ParseECPrivateKey(stored.KeyPEM)
	if err != nil {
		block, _ := pem.Decode(stored.KeyPEM)
		if block == nil {
			return nil, fmt.Errorf("decoding stored account key: no PEM block")
		}
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing stored account key: %w", err)
		}
	}
	return &acmeUser{Email: stored.Email, Registration: stored.Registration, key: key}, nil
}

func (c *Client) createAccount() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating account key: %w", err)
	}
	user := &acmeUser{Email: c.cfg.Email, key: key}

	if err := c.buildClient(user, true); err != nil {
		return err
	}

	c.logger.Info("created new acme account", "staging", c.cfg.Staging)
	return c.saveAccount(user)
}

func (c *Client) saveAccount(user *acmeUser) error {
	keyDER, err := x509.MarshalECPrivateKey(user.key)
	if err != nil {
		return fmt.Errorf("marshaling account key: %w", err)
	}
	stored := storedCredentials{Email: user.Email, Registration: user.Registration, KeyPEM: keyDER}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return os.WriteFile(c.credentialsPath(), data, 0o600)
}

func (c *Client) buildClient(user *acmeUser, register bool) error {
	legoCfg := lego.NewConfig(legoUser{user})
	legoCfg.CADirURL = c.cfg.directoryURL()
	if c.cfg.Timeout > 0 {
		legoCfg.Certificate.Timeout = c.cfg.Timeout
	}

	cli, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("creating acme client: %w", err)
	}

	if err := cli.Challenge.SetHTTP01Provider(&http01Provider{tokens: c.tokens}); err != nil {
		return fmt.Errorf("installing http-01 provider: %w", err)
	}

	if register {
		reg, err := cli.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("registering acme account: %w", err)
		}
		user.Registration = reg
	}

	c.mu.Lock()
	c.legoCli = cli
	c.user = user
	c.mu.Unlock()
	return nil
}

// legoUser adapts acmeUser to registration.User with a concrete
// GetPrivateKey signature (lego's interface wants crypto.PrivateKey).
type legoUser struct{ u *acmeUser }

func (l legoUser) GetEmail() string                       { return l.u.Email }
func (l legoUser) GetRegistration() *registration.Resource { return l.u.Registration }
func (l legoUser) GetPrivateKey() any                      { return l.u.key }

// RequestCertificate runs the HTTP-01 order/finalize/issuance flow for
// domain and hands the result to the cert manager.
func (c *Client) RequestCertificate(domain string) (certs.Info, error) {
	if domain == "" || strings.Contains(domain, "/") || strings.HasPrefix(domain, ".") {
		return certs.Info{}, fmt.Errorf("%w: %s", ErrInvalidDomain, domain)
	}

	c.mu.Lock()
	cli := c.legoCli
	c.mu.Unlock()
	if cli == nil {
		return certs.Info{}, fmt.Errorf("acme client not initialized")
	}

	c.logger.Info("requesting certificate via acme", "domain", domain)

	resource, err := cli.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return certs.Info{}, fmt.Errorf("obtaining certificate: %w", err)
	}

	return c.certMgr.WriteCertificate(domain, resource.Certificate, resource.PrivateKey, false)
}

// http01Provider satisfies challenge.Provider by publishing the key
// authorization into the shared token map instead of running its own
// listener; the node agent's HTTP front answers challenge requests from
// that map directly.
type http01Provider struct {
	tokens *ChallengeTokens
}

var _ challenge.Provider = (*http01Provider)(nil)

func (p *http01Provider) Present(_, token, keyAuth string) error {
	p.tokens.set(token, keyAuth)
	return nil
}

func (p *http01Provider) CleanUp(_, token, _ string) error {
	p.tokens.clear(token)
	return nil
}
