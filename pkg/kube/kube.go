package kube

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/retry"

	"github.com/uswitch/access-creds/pkg/credential"
)

// SecretBackend persists the credential in two data keys of a Kubernetes
// Secret, so every replica of a deployment starts from the same token.
type SecretBackend struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

func NewSecretBackend(client kubernetes.Interface, namespace, name string) *SecretBackend {
	return &SecretBackend{client: client, namespace: namespace, name: name}
}

// NewInClusterSecretBackend uses the pod's service account.
func NewInClusterSecretBackend(namespace, name string) (*SecretBackend, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("error creating kube client config: %s", err)
	}

	clientSet, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating kube client: %s", err)
	}
	return NewSecretBackend(clientSet, namespace, name), nil
}

func (s *SecretBackend) String() string {
	return fmt.Sprintf("secret:%s/%s", s.namespace, s.name)
}

func (s *SecretBackend) Load(ctx context.Context) (credential.Credential, bool, error) {
	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("error getting secret: %s", err)
	}

	c, ok := credential.FromFields(secretFields(secret))
	return c, ok, nil
}

func (s *SecretBackend) Save(ctx context.Context, c credential.Credential) error {
	fields := credential.Fields(c)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secrets := s.client.CoreV1().Secrets(s.namespace)
		secret, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			_, err = secrets.Create(ctx, s.newSecret(fields), metav1.CreateOptions{})
			if err == nil {
				log.Infof("created secret %s", s)
			}
			return err
		}
		if err != nil {
			return err
		}

		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		delete(secret.Data, credential.ExpiresKey)
		for k, v := range fields {
			secret.Data[k] = []byte(v)
		}
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
		return err
	})
}

// Delete removes the credential keys but leaves the Secret in place.
func (s *SecretBackend) Delete(ctx context.Context) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secrets := s.client.CoreV1().Secrets(s.namespace)
		secret, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		delete(secret.Data, credential.TokenKey)
		delete(secret.Data, credential.ExpiresKey)
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
		return err
	})
}

func (s *SecretBackend) newSecret(fields map[string]string) *v1.Secret {
	secret := &v1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.name,
			Namespace: s.namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "access-creds"},
		},
		Type: v1.SecretTypeOpaque,
		Data: map[string][]byte{},
	}
	for k, v := range fields {
		secret.Data[k] = []byte(v)
	}
	return secret
}

func secretFields(secret *v1.Secret) map[string]string {
	fields := make(map[string]string, 2)
	for _, k := range []string{credential.TokenKey, credential.ExpiresKey} {
		if v, ok := secret.Data[k]; ok {
			fields[k] = string(v)
		}
	}
	return fields
}
