package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/uswitch/access-creds/pkg/credential"
	"github.com/uswitch/access-creds/pkg/interceptor"
	"github.com/uswitch/access-creds/pkg/issuer"
	"github.com/uswitch/access-creds/pkg/kube"
	"github.com/uswitch/access-creds/pkg/metrics"
	"github.com/uswitch/access-creds/pkg/refresh"
)

var (
	ErrNoCredential = errors.New("no credential available")
	// ErrUnauthorized can be wrapped by callers of WithTokenRefresh to report
	// a rejection that did not go through the interceptor.
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	IssuerHTTP   = "http"
	IssuerOAuth2 = "oauth2"
	IssuerVault  = "vault"

	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreKube   = "kube"
)

type IssuerConfig struct {
	Kind string

	// http
	URL    string
	Method string

	// oauth2
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// vault
	VaultAddr string
	CACert    string
	TokenFile string
	LoginPath string
	AuthRole  string
}

// Build returns the issuer for Kind. client carries issuance calls; it may be
// a Client's HTTPClient since issuance requests are sent unauthenticated.
func (c IssuerConfig) Build(client *http.Client) (issuer.Issuer, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	switch c.Kind {
	case "", IssuerHTTP:
		if c.URL == "" {
			return nil, fmt.Errorf("bootstrap url is required for the %s issuer", IssuerHTTP)
		}
		return issuer.NewHTTPIssuer(c.URL, c.Method, client), nil
	case IssuerOAuth2:
		if c.TokenURL == "" {
			return nil, fmt.Errorf("token url is required for the %s issuer", IssuerOAuth2)
		}
		return issuer.NewOAuth2Issuer(&clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}, client), nil
	case IssuerVault:
		return issuer.NewVaultIssuer(
			&issuer.VaultConfig{VaultAddr: c.VaultAddr, TLS: &issuer.TLSConfig{CACert: c.CACert}},
			&issuer.KubernetesAuthConfig{TokenFile: c.TokenFile, LoginPath: c.LoginPath, Role: c.AuthRole},
		)
	}
	return nil, fmt.Errorf("unknown issuer: %s", c.Kind)
}

type StoreConfig struct {
	Kind string

	Path string

	RedisAddr   string
	RedisPrefix string

	SecretName      string
	SecretNamespace string
}

// Build returns the store for Kind, loaded from its backend. The closer, when
// not nil, releases the backend's connections.
func (c StoreConfig) Build(ctx context.Context) (credential.Store, io.Closer, error) {
	switch c.Kind {
	case "", StoreMemory:
		return credential.NewMemory(), nil, nil
	case StoreFile:
		if c.Path == "" {
			return nil, nil, fmt.Errorf("store path is required for the %s store", StoreFile)
		}
		return credential.NewPersistent(ctx, credential.NewFileBackend(c.Path)), nil, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		prefix := c.RedisPrefix
		if prefix == "" {
			prefix = "access-creds"
		}
		return credential.NewPersistent(ctx, credential.NewRedisBackend(rdb, prefix)), rdb, nil
	case StoreKube:
		backend, err := kube.NewInClusterSecretBackend(c.SecretNamespace, c.SecretName)
		if err != nil {
			return nil, nil, err
		}
		return credential.NewPersistent(ctx, backend), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store: %s", c.Kind)
}

type Config struct {
	Issuer issuer.Issuer
	Store  credential.Store
	// Transport sends authenticated requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	IssueTimeout time.Duration
	IssueRetry   time.Duration
	QueueTimeout time.Duration
	QueueSize    int

	Metrics *metrics.PushGateway
}

// Client sends requests with a managed bearer credential.
type Client struct {
	store       credential.Store
	coordinator *refresh.Coordinator
	interceptor *interceptor.Interceptor
	now         func() time.Time
}

func New(config Config) (*Client, error) {
	if config.Issuer == nil {
		return nil, errors.New("an issuer is required")
	}
	if config.Store == nil {
		config.Store = credential.NewMemory()
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}

	refreshConfig := refresh.Config{
		IssueTimeout: config.IssueTimeout,
		QueueSize:    config.QueueSize,
		BackOff:      refresh.RetryFor(config.IssueRetry),
	}
	interceptorConfig := interceptor.Config{QueueTimeout: config.QueueTimeout}
	if config.Metrics != nil {
		refreshConfig.Observer = config.Metrics
		interceptorConfig.Observer = config.Metrics
	}

	coordinator := refresh.NewCoordinator(config.Issuer, config.Store, refreshConfig)
	return &Client{
		store:       config.Store,
		coordinator: coordinator,
		interceptor: interceptor.New(config.Store, coordinator, interceptor.FromTransport(config.Transport), interceptorConfig),
		now:         time.Now,
	}, nil
}

// Bootstrap makes sure a usable credential is stored, issuing one when the
// store is empty or the stored one has expired.
func (c *Client) Bootstrap(ctx context.Context) (credential.Credential, error) {
	cred, ok := c.store.Read()
	if ok && !cred.Expired(c.now()) {
		log.WithField("expiresAt", cred.ExpiresAt).Infof("reusing stored credential")
		return cred, nil
	}

	log.Infof("no usable credential stored, issuing")
	return c.coordinator.RefreshOnce(ctx)
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.interceptor.Execute(req)
}

func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c.interceptor}
}

// WithTokenRefresh runs fn and, if it reports ErrUnauthorized, runs it once
// more after a coordinated refresh. A refresh that finished while fn was
// running is reused. An *interceptor.AuthenticationError is terminal and
// returned as is: that request has already been refreshed and replayed.
func (c *Client) WithTokenRefresh(ctx context.Context, fn func(ctx context.Context) error) error {
	seen := c.coordinator.Generation()
	err := fn(ctx)
	if !needsRefresh(err) {
		return err
	}

	log.Infof("authentication failed, refreshing credential and retrying")
	if _, refreshErr := c.coordinator.RefreshSince(ctx, seen); refreshErr != nil {
		return refreshErr
	}
	return fn(ctx)
}

func needsRefresh(err error) bool {
	var authErr *interceptor.AuthenticationError
	if err == nil || errors.As(err, &authErr) {
		return false
	}
	return errors.Is(err, ErrUnauthorized)
}

type rendered struct {
	Token     string
	ExpiresAt time.Time
}

// Render writes the stored credential through t, exposing .Token and
// .ExpiresAt.
func (c *Client) Render(w io.Writer, t *template.Template) error {
	cred, ok := c.store.Read()
	if !ok {
		return ErrNoCredential
	}
	return t.Execute(w, rendered{Token: cred.Value, ExpiresAt: cred.ExpiresAt})
}
