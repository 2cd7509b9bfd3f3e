package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	access "github.com/uswitch/access-creds"
	"github.com/uswitch/access-creds/pkg/metrics"
)

var (
	issuerKind      = kingpin.Flag("issuer", "Credential issuer: http, oauth2 or vault").Default(access.IssuerHTTP).Envar("ACCESS_ISSUER").Enum(access.IssuerHTTP, access.IssuerOAuth2, access.IssuerVault)
	bootstrapURL    = kingpin.Flag("bootstrap-url", "URL answering with a fresh token").Envar("ACCESS_BOOTSTRAP_URL").String()
	bootstrapMethod = kingpin.Flag("bootstrap-method", "HTTP method for the bootstrap URL").Default(http.MethodGet).Envar("ACCESS_BOOTSTRAP_METHOD").String()

	clientID     = kingpin.Flag("client-id", "OAuth2 client id").Envar("ACCESS_CLIENT_ID").String()
	clientSecret = kingpin.Flag("client-secret", "OAuth2 client secret").Envar("ACCESS_CLIENT_SECRET").String()
	tokenURL     = kingpin.Flag("token-url", "OAuth2 token endpoint").Envar("ACCESS_TOKEN_URL").String()
	scopes       = kingpin.Flag("scope", "OAuth2 scope, repeatable").Strings()

	vaultAddr           = kingpin.Flag("vault-addr", "Vault address, e.g. https://vault:8200").Envar("VAULT_ADDR").String()
	caCert              = kingpin.Flag("ca-cert", "Path to CA certificate to validate Vault server").String()
	serviceAccountToken = kingpin.Flag("token-file", "Service account token path").Default("/var/run/secrets/kubernetes.io/serviceaccount/token").String()
	loginPath           = kingpin.Flag("login-path", "Vault path to authenticate against").Default("kubernetes/login").String()
	authRole            = kingpin.Flag("auth-role", "Kubernetes authentication role").String()

	storeKind       = kingpin.Flag("store", "Credential store: memory, file, redis or kube").Default(access.StoreMemory).Envar("ACCESS_STORE").Enum(access.StoreMemory, access.StoreFile, access.StoreRedis, access.StoreKube)
	storePath       = kingpin.Flag("store-path", "File holding the credential for the file store").Envar("ACCESS_STORE_PATH").String()
	redisAddr       = kingpin.Flag("redis-addr", "Redis address for the redis store").Default("localhost:6379").Envar("REDIS_ADDR").String()
	redisPrefix     = kingpin.Flag("redis-prefix", "Key prefix for the redis store").Default("access-creds").String()
	secretName      = kingpin.Flag("secret-name", "Secret holding the credential for the kube store").Default("access-creds").String()
	secretNamespace = kingpin.Flag("secret-namespace", "Namespace of the secret").Envar("NAMESPACE").Default("default").String()

	issueTimeout = kingpin.Flag("issue-timeout", "Maximum time for one credential refresh").Default("10s").Duration()
	issueRetry   = kingpin.Flag("issue-retry", "Retry temporary issuance failures for up to this long").Default("0s").Duration()
	queueTimeout = kingpin.Flag("queue-timeout", "Maximum time a request waits for a refresh").Default("30s").Duration()
	queueSize    = kingpin.Flag("queue-size", "Maximum requests waiting on one refresh").Default("256").Int()

	templateFile = kingpin.Flag("template", "Path to template file").ExistingFile()
	out          = kingpin.Flag("out", "Output file name").String()

	gets        = kingpin.Flag("get", "URL to fetch with the managed credential, repeatable").Strings()
	pushGateway = kingpin.Flag("pushgateway", "Prometheus pushgateway address").Envar("PUSHGATEWAY").String()
	jsonOutput  = kingpin.Flag("json-log", "Output log in JSON format").Default("false").Bool()
)

var (
	SHA = ""
)

func main() {
	kingpin.Parse()

	if *jsonOutput {
		log.SetFormatter(&log.JSONFormatter{})
	}

	logger := log.WithFields(log.Fields{"gitSHA": SHA})
	logger.Infof("started application")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Infof("shutting down")
		cancel()
	}()

	iss, err := access.IssuerConfig{
		Kind:         *issuerKind,
		URL:          *bootstrapURL,
		Method:       *bootstrapMethod,
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
		TokenURL:     *tokenURL,
		Scopes:       *scopes,
		VaultAddr:    *vaultAddr,
		CACert:       *caCert,
		TokenFile:    *serviceAccountToken,
		LoginPath:    *loginPath,
		AuthRole:     *authRole,
	}.Build(&http.Client{Timeout: *issueTimeout})
	if err != nil {
		log.Fatal("error creating issuer: ", err)
	}

	store, closer, err := access.StoreConfig{
		Kind:            *storeKind,
		Path:            *storePath,
		RedisAddr:       *redisAddr,
		RedisPrefix:     *redisPrefix,
		SecretName:      *secretName,
		SecretNamespace: *secretNamespace,
	}.Build(ctx)
	if err != nil {
		log.Fatal("error creating store: ", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	client, err := access.New(access.Config{
		Issuer:       iss,
		Store:        store,
		IssueTimeout: *issueTimeout,
		IssueRetry:   *issueRetry,
		QueueTimeout: *queueTimeout,
		QueueSize:    *queueSize,
		Metrics:      metrics.NewPushGateway(*pushGateway),
	})
	if err != nil {
		log.Fatal("error creating client: ", err)
	}

	cred, err := client.Bootstrap(ctx)
	if err != nil {
		log.Fatal("error bootstrapping credential: ", err)
	}
	log.WithField("expiresAt", cred.ExpiresAt).Infof("credential ready")

	if *templateFile != "" {
		if err := render(client, *templateFile, *out); err != nil {
			log.Fatal("error rendering credential: ", err)
		}
	}

	httpClient := client.HTTPClient()
	failed := false
	for _, url := range *gets {
		if err := get(ctx, httpClient, url); err != nil {
			log.WithField("url", url).Errorf("request failed: %s", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func render(client *access.Client, templateFile, out string) error {
	t, err := template.ParseFiles(templateFile)
	if err != nil {
		return fmt.Errorf("error opening template: %w", err)
	}

	if out == "" {
		return client.Render(os.Stdout, t)
	}

	file, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	err = client.Render(file, t)
	if err == nil {
		log.Printf("wrote credentials to %s", file.Name())
	}
	return err
}

func get(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.WithFields(log.Fields{"url": url, "status": resp.StatusCode, "took": time.Since(start)}).Infof("fetched")
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
