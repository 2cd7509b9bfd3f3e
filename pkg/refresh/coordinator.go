package refresh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/uswitch/access-creds/pkg/credential"
	"github.com/uswitch/access-creds/pkg/issuer"
)

type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Observer is told about episode boundaries and queue depth.
type Observer interface {
	EpisodeStarted()
	EpisodeFinished(c credential.Credential, err error)
	QueueDepth(n int)
}

type noopObserver struct{}

func (noopObserver) EpisodeStarted() {}
func (noopObserver) EpisodeFinished(c credential.Credential, err error) {}
func (noopObserver) QueueDepth(n int) {}

const (
	DefaultIssueTimeout = 10 * time.Second
	DefaultQueueSize    = 256
)

type Config struct {
	// IssueTimeout bounds a whole episode, retries included.
	IssueTimeout time.Duration
	// QueueSize caps the requests parked on one episode.
	QueueSize int
	// BackOff returns the retry policy for one episode. Nil means a single
	// attempt.
	BackOff  func() backoff.BackOff
	Observer Observer
}

// RetryFor retries temporary issuance failures with exponential backoff for
// at most max. A zero max disables retries.
func RetryFor(max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		if max <= 0 {
			return &backoff.StopBackOff{}
		}
		strategy := backoff.NewExponentialBackOff()
		strategy.InitialInterval = time.Millisecond * 500
		strategy.MaxElapsedTime = max
		return strategy
	}
}

type episode struct {
	id      uint64
	done    chan struct{}
	outcome Outcome
	queue   *Queue
}

// Coordinator runs at most one credential issuance at a time. Callers that
// ask for a refresh while one is running share its outcome.
type Coordinator struct {
	issuer issuer.Issuer
	store  credential.Store
	config Config

	mu       sync.Mutex
	state    State
	current  *episode
	episodes uint64
	// finished counts completed episodes; last is the most recent outcome
	finished uint64
	last     Outcome
}

func NewCoordinator(iss issuer.Issuer, store credential.Store, config Config) *Coordinator {
	if config.IssueTimeout <= 0 {
		config.IssueTimeout = DefaultIssueTimeout
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.BackOff == nil {
		config.BackOff = RetryFor(0)
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}
	return &Coordinator{issuer: iss, store: store, config: config}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// RefreshOnce waits for the running episode, starting one when idle. It
// returns the new credential or the episode's *issuer.IssuanceError. A
// cancelled ctx stops the wait, not the episode.
func (c *Coordinator) RefreshOnce(ctx context.Context) (credential.Credential, error) {
	ep := c.join()

	select {
	case <-ep.done:
		return ep.outcome.Credential, ep.outcome.Err
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	}
}

// RefreshSince is RefreshOnce for a caller that noted generation seen before
// it failed: an episode finished since then is reused instead of starting
// another issuance.
func (c *Coordinator) RefreshSince(ctx context.Context, seen uint64) (credential.Credential, error) {
	c.mu.Lock()
	if c.state == Idle && c.finished > seen {
		last := c.last
		c.mu.Unlock()
		return last.Credential, last.Err
	}
	ep := c.current
	if ep == nil {
		ep = c.startLocked()
	}
	c.mu.Unlock()

	select {
	case <-ep.done:
		return ep.outcome.Credential, ep.outcome.Err
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	}
}

// Generation is the number of finished episodes. Callers note it before
// sending a request so a later Join can tell whether a refresh has already
// happened since.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finished
}

// Enqueue parks req on the running episode. It reports false, without
// enqueueing, when no episode is running.
func (c *Coordinator) Enqueue(req *http.Request, resume ResumeFunc) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Refreshing {
		return false, nil
	}
	if err := c.enqueueLocked(req, resume); err != nil {
		return false, err
	}
	return true, nil
}

// Join parks req on the running episode, starting one when idle. If an
// episode finished after generation seen, the request was sent before that
// refresh and resume is called straight away with its outcome instead.
func (c *Coordinator) Join(req *http.Request, seen uint64, resume ResumeFunc) error {
	c.mu.Lock()
	if c.state == Idle && c.finished > seen {
		last := c.last
		c.mu.Unlock()
		resume(last)
		return nil
	}
	defer c.mu.Unlock()

	if c.state == Idle {
		c.startLocked()
	}
	return c.enqueueLocked(req, resume)
}

func (c *Coordinator) enqueueLocked(req *http.Request, resume ResumeFunc) error {
	err := c.current.queue.Enqueue(req, resume)
	if err != nil {
		return err
	}
	c.config.Observer.QueueDepth(c.current.queue.Len())
	return nil
}

func (c *Coordinator) join() *episode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Refreshing {
		return c.current
	}
	return c.startLocked()
}

func (c *Coordinator) startLocked() *episode {
	c.episodes++
	ep := &episode{
		id:    c.episodes,
		done:  make(chan struct{}),
		queue: NewQueue(c.config.QueueSize),
	}
	c.state = Refreshing
	c.current = ep
	c.config.Observer.EpisodeStarted()

	go c.run(ep)
	return ep
}

func (c *Coordinator) run(ep *episode) {
	logger := log.WithField("episode", ep.id)
	logger.Infof("refreshing credential")

	// detached from callers so one caller giving up does not fail the rest
	ctx, cancel := context.WithTimeout(credential.Unauthenticated(context.Background()), c.config.IssueTimeout)
	defer cancel()

	cred, err := c.issue(ctx, logger)
	if err != nil {
		logger.Errorf("credential refresh failed: %s", err)
		c.store.Clear()
	} else {
		logger.WithField("expiresAt", cred.ExpiresAt).Infof("credential refreshed")
		c.store.Write(cred)
	}

	outcome := Outcome{Credential: cred, Err: err}

	c.mu.Lock()
	ep.outcome = outcome
	c.state = Idle
	c.current = nil
	c.finished++
	c.last = outcome
	c.mu.Unlock()
	close(ep.done)

	n := ep.queue.Drain(outcome)
	if n > 0 {
		logger.WithField("queued", n).Infof("resumed queued requests")
	}
	c.config.Observer.QueueDepth(0)
	c.config.Observer.EpisodeFinished(cred, err)
}

func (c *Coordinator) issue(ctx context.Context, logger *log.Entry) (credential.Credential, error) {
	var cred credential.Credential

	op := func() error {
		var err error
		cred, err = c.issuer.Issue(ctx)
		if err == nil {
			return nil
		}

		var issErr *issuer.IssuanceError
		if errors.As(err, &issErr) && !issErr.Temporary() {
			return backoff.Permanent(err)
		}
		logger.Warnf("error issuing credential: %s", err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(c.config.BackOff(), ctx))
	if err != nil {
		var issErr *issuer.IssuanceError
		if !errors.As(err, &issErr) {
			err = &issuer.IssuanceError{Err: err}
		}
		return credential.Credential{}, err
	}
	return cred, nil
}
