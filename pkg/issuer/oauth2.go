package issuer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/uswitch/access-creds/pkg/credential"
)

// OAuth2Issuer mints credentials with the client credentials grant.
type OAuth2Issuer struct {
	config *clientcredentials.Config
	client *http.Client
}

func NewOAuth2Issuer(config *clientcredentials.Config, client *http.Client) *OAuth2Issuer {
	return &OAuth2Issuer{config: config, client: client}
}

// Issue requests a new token every time; the config's own token caching is
// bypassed so the coordinator stays the single owner of refresh.
func (i *OAuth2Issuer) Issue(ctx context.Context) (credential.Credential, error) {
	if i.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, i.client)
	}

	token, err := i.config.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return credential.Credential{}, &IssuanceError{
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       retrieveErr.Body,
				Err:        err,
			}
		}
		return credential.Credential{}, &IssuanceError{Err: fmt.Errorf("error requesting token: %w", err)}
	}

	c := FromOAuth2(token)
	log.WithFields(log.Fields{"tokenURL": i.config.TokenURL, "expiresAt": c.ExpiresAt}).Infof("issued credential")
	return c, nil
}

// FromOAuth2 converts an oauth2 token. A token without an expiry falls back to
// the JWT exp claim, if any.
func FromOAuth2(token *oauth2.Token) credential.Credential {
	if !token.Expiry.IsZero() {
		return credential.Credential{Value: token.AccessToken, ExpiresAt: token.Expiry}
	}
	return credential.FromToken(token.AccessToken, 0, time.Time{})
}
