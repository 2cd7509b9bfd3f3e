package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/uswitch/access-creds/pkg/credential"
)

var ErrMissingToken = errors.New("response did not contain a token")

// Issuer mints a fresh credential with a single round trip. It never retries
// and never writes to a store.
type Issuer interface {
	Issue(ctx context.Context) (credential.Credential, error)
}

// IssuanceError is returned when the issuing call fails or is rejected.
type IssuanceError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *IssuanceError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("credential issuance failed with status %d: %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("credential issuance failed: %v", e.Err)
	default:
		return fmt.Sprintf("credential issuance failed with status %d, body: %s", e.StatusCode, string(e.Body))
	}
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the call could succeed: transport
// failures, throttling and server errors.
func (e *IssuanceError) Temporary() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Doer is the subset of *http.Client used by HTTPIssuer.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// response accepts both spellings seen from the bootstrap endpoint.
type response struct {
	AccessToken      string `json:"access_token"`
	Token            string `json:"token"`
	ExpiresIn        int64  `json:"expires_in"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

// HTTPIssuer calls a fixed bootstrap URL which answers with a token and an
// optional lifetime in seconds.
type HTTPIssuer struct {
	url    string
	method string
	client Doer
	now    func() time.Time
}

func NewHTTPIssuer(url, method string, client Doer) *HTTPIssuer {
	if method == "" {
		method = http.MethodGet
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPIssuer{url: url, method: method, client: client, now: time.Now}
}

func (i *HTTPIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	req, err := http.NewRequestWithContext(credential.Unauthenticated(ctx), i.method, i.url, nil)
	if err != nil {
		return credential.Credential{}, &IssuanceError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return credential.Credential{}, &IssuanceError{Err: fmt.Errorf("error requesting credential: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return credential.Credential{}, &IssuanceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("error reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return credential.Credential{}, &IssuanceError{StatusCode: resp.StatusCode, Body: body}
	}

	var r response
	err = json.Unmarshal(body, &r)
	if err != nil {
		return credential.Credential{}, &IssuanceError{StatusCode: resp.StatusCode, Body: body, Err: fmt.Errorf("error parsing response: %w", err)}
	}

	token := r.AccessToken
	if token == "" {
		token = r.Token
	}
	if token == "" {
		return credential.Credential{}, &IssuanceError{StatusCode: resp.StatusCode, Body: body, Err: ErrMissingToken}
	}

	lifetime := r.ExpiresIn
	if lifetime == 0 {
		lifetime = r.ExpiresInSeconds
	}

	c := credential.FromToken(token, time.Duration(lifetime)*time.Second, i.now())
	log.WithFields(log.Fields{"url": i.url, "expiresAt": c.ExpiresAt}).Infof("issued credential")
	return c, nil
}
