package issuer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"

	"github.com/uswitch/access-creds/pkg/credential"
)

type TLSConfig struct {
	CACert string
}

type VaultConfig struct {
	VaultAddr string
	TLS       *TLSConfig
}

type KubernetesAuthConfig struct {
	TokenFile string
	LoginPath string
	Role      string
}

// VaultIssuer exchanges a kubernetes service account token for a vault
// token and uses that as the bearer credential.
type VaultIssuer struct {
	client *api.Client
	kube   *KubernetesAuthConfig
	now    func() time.Time
}

func NewVaultIssuer(vault *VaultConfig, kube *KubernetesAuthConfig) (*VaultIssuer, error) {
	client, err := createUnauthenticatedClient(vault)
	if err != nil {
		return nil, err
	}
	return &VaultIssuer{client: client, kube: kube, now: time.Now}, nil
}

func createUnauthenticatedClient(v *VaultConfig) (*api.Client, error) {
	cfg := api.DefaultConfig()
	cfg.Address = v.VaultAddr
	if v.TLS != nil && v.TLS.CACert != "" {
		err := cfg.ConfigureTLS(&api.TLSConfig{CACert: v.TLS.CACert})
		if err != nil {
			return nil, fmt.Errorf("error configuring vault tls: %v", err)
		}
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	// never reuse a token picked up from the environment for the login call
	client.ClearToken()
	return client, nil
}

func (i *VaultIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	// the service account token is rotated by the kubelet, read it every time
	bytes, err := os.ReadFile(i.kube.TokenFile)
	if err != nil {
		return credential.Credential{}, &IssuanceError{Err: fmt.Errorf("error reading token: %s", err)}
	}

	path := fmt.Sprintf("auth/%s", strings.TrimPrefix(i.kube.LoginPath, "/"))
	secret, err := i.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"jwt":  strings.TrimSpace(string(bytes)),
		"role": i.kube.Role,
	})
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) {
			return credential.Credential{}, &IssuanceError{StatusCode: respErr.StatusCode, Err: err}
		}
		return credential.Credential{}, &IssuanceError{Err: err}
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return credential.Credential{}, &IssuanceError{StatusCode: 200, Err: ErrMissingToken}
	}

	log.WithFields(secretFields(secret)).Infof("successfully authenticated")

	lease := time.Duration(secret.Auth.LeaseDuration) * time.Second
	return credential.FromToken(secret.Auth.ClientToken, lease, i.now()), nil
}

func secretFields(secret *api.Secret) log.Fields {
	fields := log.Fields{
		"requestID": secret.RequestID,
	}

	if secret.Auth != nil {
		fields["auth.policies"] = secret.Auth.Policies
		fields["auth.leaseDuration"] = secret.Auth.LeaseDuration
		fields["auth.renewable"] = secret.Auth.Renewable
		fields["warnings"] = secret.Warnings
	}

	return fields
}
