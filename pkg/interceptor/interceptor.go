package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/uswitch/access-creds/pkg/credential"
	"github.com/uswitch/access-creds/pkg/refresh"
)

var (
	ErrQueueTimeout = errors.New("timed out waiting for credential refresh")
	ErrBodyTooLarge = errors.New("request body too large to replay")
)

const (
	DefaultQueueTimeout  = 30 * time.Second
	DefaultMaxReplayBody = 4 << 20
)

// AuthenticationError is returned when a request is still rejected after it
// has been replayed with a fresh credential.
type AuthenticationError struct {
	StatusCode int
	Method     string
	URL        string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s %s: authentication failed with status %d after credential refresh", e.Method, e.URL, e.StatusCode)
}

// Executor sends a request. *http.Client satisfies it.
type Executor interface {
	Do(req *http.Request) (*http.Response, error)
}

type ExecutorFunc func(req *http.Request) (*http.Response, error)

func (f ExecutorFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// FromTransport adapts a RoundTripper, for use as an http.Client transport.
func FromTransport(rt http.RoundTripper) Executor {
	return ExecutorFunc(rt.RoundTrip)
}

type Observer interface {
	Replayed()
	AuthenticationFailed()
}

type noopObserver struct{}

func (noopObserver) Replayed() {}
func (noopObserver) AuthenticationFailed() {}

// Unauthenticated marks req so it is sent as is: no credential attached and no
// refresh on failure. Issuers mark their own calls the same way.
func Unauthenticated(req *http.Request) *http.Request {
	return req.WithContext(credential.Unauthenticated(req.Context()))
}

func IsUnauthenticated(req *http.Request) bool {
	return credential.IsUnauthenticated(req.Context())
}

type Config struct {
	// QueueTimeout bounds how long a request waits for a refresh outcome.
	QueueTimeout time.Duration
	// MaxReplayBody caps the bytes buffered for a body that cannot be read
	// twice. Bodies with GetBody set are not buffered.
	MaxReplayBody int64
	Observer      Observer
}

// Interceptor attaches the stored bearer credential to requests and recovers
// from a 401 with one coordinated refresh and one replay.
type Interceptor struct {
	store       credential.Store
	coordinator *refresh.Coordinator
	executor    Executor
	config      Config
	now         func() time.Time
}

func New(store credential.Store, coordinator *refresh.Coordinator, executor Executor, config Config) *Interceptor {
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = DefaultQueueTimeout
	}
	if config.MaxReplayBody <= 0 {
		config.MaxReplayBody = DefaultMaxReplayBody
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}
	return &Interceptor{
		store:       store,
		coordinator: coordinator,
		executor:    executor,
		config:      config,
		now:         time.Now,
	}
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	return i.Execute(req)
}

// Execute sends req with the current credential. A 401 triggers, or joins, a
// refresh and the request is replayed once. Other responses and transport
// errors are returned untouched.
func (i *Interceptor) Execute(req *http.Request) (*http.Response, error) {
	if IsUnauthenticated(req) {
		return i.executor.Do(req)
	}

	logger := log.WithFields(log.Fields{
		"requestID": uuid.NewString(),
		"method":    req.Method,
		"url":       req.URL.Host + req.URL.Path,
	})

	req, err := replayable(req, i.config.MaxReplayBody)
	if err != nil {
		return nil, err
	}

	seen := i.coordinator.Generation()
	cred, present := i.store.Read()
	if present && cred.Expired(i.now()) {
		logger.WithField("expiresAt", cred.ExpiresAt).Debugf("credential expired, refreshing before sending")
		resp, err := i.awaitDispatch(req, seen, logger)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			// already sent with a credential minted for this request
			discard(resp)
			return nil, i.authenticationFailed(req, logger)
		}
		return resp, nil
	}

	resp, err := i.dispatch(req, cred, present)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	logger.Infof("request unauthorized, refreshing credential")
	resp, err = i.awaitDispatch(req, seen, logger)
	if err != nil {
		return nil, err
	}
	i.config.Observer.Replayed()

	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, i.authenticationFailed(req, logger)
	}
	logger.WithField("status", resp.StatusCode).Debugf("replayed request")
	return resp, nil
}

type dispatched struct {
	resp *http.Response
	err  error
}

// waiter is a request parked on a refresh. Once started it is dispatched from
// the draining goroutine; once abandoned it is skipped.
type waiter struct {
	mu        sync.Mutex
	started   bool
	abandoned bool
	result    chan dispatched
}

func (w *waiter) start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.abandoned {
		return false
	}
	w.started = true
	return true
}

func (w *waiter) abandon() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return false
	}
	w.abandoned = true
	return true
}

// awaitDispatch parks req on the refresh covering it (the running episode,
// one that finished since generation seen, or a new one) and returns the
// response to req sent with the refreshed credential.
func (i *Interceptor) awaitDispatch(req *http.Request, seen uint64, logger *log.Entry) (*http.Response, error) {
	w := &waiter{result: make(chan dispatched, 1)}
	err := i.coordinator.Join(req, seen, func(o refresh.Outcome) {
		if !w.start() {
			return
		}
		if o.Err != nil {
			w.result <- dispatched{err: o.Err}
			return
		}
		i.dispatchInOrder(req, o.Credential, w.result)
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(i.config.QueueTimeout)
	defer timer.Stop()

	select {
	case d := <-w.result:
		return d.resp, d.err
	case <-req.Context().Done():
		if w.abandon() {
			return nil, req.Context().Err()
		}
	case <-timer.C:
		if w.abandon() {
			logger.Warnf("gave up waiting for credential refresh")
			return nil, ErrQueueTimeout
		}
	}
	// already on its way, the outcome is bounded by the request context
	d := <-w.result
	return d.resp, d.err
}

// dispatchInOrder sends req and returns once it has been written, or the
// executor has returned, whichever comes first. The response is delivered on
// result.
func (i *Interceptor) dispatchInOrder(req *http.Request, cred credential.Credential, result chan<- dispatched) {
	written := make(chan struct{})
	var once sync.Once
	wrote := func() { once.Do(func() { close(written) }) }

	ctx := httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote() },
	})
	go func() {
		resp, err := i.dispatch(req.WithContext(ctx), cred, true)
		wrote()
		result <- dispatched{resp: resp, err: err}
	}()
	<-written
}

func (i *Interceptor) authenticationFailed(req *http.Request, logger *log.Entry) error {
	logger.Warnf("request rejected with a fresh credential")
	i.config.Observer.AuthenticationFailed()
	return &AuthenticationError{
		StatusCode: http.StatusUnauthorized,
		Method:     req.Method,
		URL:        req.URL.Redacted(),
	}
}

// dispatch sends a copy of req so the original stays replayable.
func (i *Interceptor) dispatch(req *http.Request, cred credential.Credential, present bool) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("error rewinding request body: %w", err)
		}
		out.Body = body
	}
	if present && cred.Value != "" {
		out.Header.Set("Authorization", "Bearer "+cred.Value)
	}
	return i.executor.Do(out)
}

// replayable returns req unchanged when its body can be read again, otherwise
// a copy with the body buffered in memory, up to max bytes.
func replayable(req *http.Request, max int64) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody != nil {
		// every dispatch reads its own copy from GetBody
		req.Body.Close()
		return req, nil
	}

	b, err := io.ReadAll(io.LimitReader(req.Body, max+1))
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(b)) > max {
		return nil, ErrBodyTooLarge
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(b))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	return out, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
