package refresh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uswitch/access-creds/pkg/credential"
	"github.com/uswitch/access-creds/pkg/issuer"
)

type mockIssuer struct {
	calls   int32
	release chan struct{}
	issueFn func(n int32) (credential.Credential, error)
}

func newMockIssuer(issueFn func(n int32) (credential.Credential, error)) *mockIssuer {
	return &mockIssuer{release: make(chan struct{}), issueFn: issueFn}
}

func (m *mockIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	n := atomic.AddInt32(&m.calls, 1)
	select {
	case <-m.release:
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	}
	return m.issueFn(n)
}

func (m *mockIssuer) Calls() int {
	return int(atomic.LoadInt32(&m.calls))
}

func issues(value string) func(int32) (credential.Credential, error) {
	return func(int32) (credential.Credential, error) {
		return credential.Credential{Value: value}, nil
	}
}

func TestRefreshOnceSingleFlight(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	store := credential.NewMemory()
	c := NewCoordinator(iss, store, Config{})

	first := c.join()
	for i := 0; i < 5; i++ {
		if ep := c.join(); ep != first {
			t.Fatal("callers during an episode should share it")
		}
	}
	if c.State() != Refreshing {
		t.Errorf("expected refreshing got: %v", c.State())
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := c.RefreshOnce(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = cred.Value
		}(i)
	}

	// let the callers reach the running episode before it finishes
	time.Sleep(20 * time.Millisecond)
	close(iss.release)
	wg.Wait()

	if iss.Calls() != 1 {
		t.Errorf("expected exactly one issuance got: %d", iss.Calls())
	}
	for _, v := range results {
		if v != "T2" {
			t.Errorf("every caller should see T2 got: %v", v)
		}
	}
	if got, _ := store.Read(); got.Value != "T2" {
		t.Errorf("store should hold T2 got: %v", got.Value)
	}
	if c.State() != Idle {
		t.Errorf("expected idle got: %v", c.State())
	}
}

func TestRefreshOnceFailureClearsStore(t *testing.T) {
	iss := newMockIssuer(func(int32) (credential.Credential, error) {
		return credential.Credential{}, &issuer.IssuanceError{StatusCode: http.StatusInternalServerError}
	})
	close(iss.release)
	store := credential.NewMemory()
	store.Write(credential.Credential{Value: "T1"})

	_, err := NewCoordinator(iss, store, Config{}).RefreshOnce(context.Background())

	var issErr *issuer.IssuanceError
	if !errors.As(err, &issErr) || issErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected IssuanceError with 500 got: %v", err)
	}
	if _, ok := store.Read(); ok {
		t.Error("store should be cleared after a failed refresh")
	}
	if iss.Calls() != 1 {
		t.Errorf("failure should not be retried by default, calls: %d", iss.Calls())
	}
}

func TestEnqueueOnlyWhileRefreshing(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	c := NewCoordinator(iss, credential.NewMemory(), Config{})

	queued, err := c.Enqueue(newRequest(t, "/"), func(Outcome) {})
	if queued || err != nil {
		t.Errorf("nothing should be queued while idle, queued: %v err: %v", queued, err)
	}

	c.join()
	var order []string
	var mu sync.Mutex
	var resumed sync.WaitGroup
	for _, path := range []string{"/a", "/b", "/c"} {
		path := path
		resumed.Add(1)
		queued, err := c.Enqueue(newRequest(t, path), func(o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, path+"="+o.Credential.Value)
			resumed.Done()
		})
		if !queued || err != nil {
			t.Fatalf("expected request to queue, err: %v", err)
		}
	}

	close(iss.release)
	resumed.Wait()

	mu.Lock()
	defer mu.Unlock()
	expected := []string{"/a=T2", "/b=T2", "/c=T2"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v got: %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("expected %v got: %v", expected, order)
			break
		}
	}

	queued, _ = c.Enqueue(newRequest(t, "/late"), func(Outcome) {})
	if queued {
		t.Error("requests after the episode should not join it")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	c := NewCoordinator(iss, credential.NewMemory(), Config{QueueSize: 1})
	defer close(iss.release)

	c.join()
	c.Enqueue(newRequest(t, "/a"), func(Outcome) {})
	queued, err := c.Enqueue(newRequest(t, "/b"), func(Outcome) {})
	if queued || err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull got: %v", err)
	}
}

func TestRefreshOnceCallerCancel(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	store := credential.NewMemory()
	c := NewCoordinator(iss, store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.RefreshOnce(ctx)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled got: %v", err)
	}

	// the episode carries on for everyone else
	ep := c.join()
	close(iss.release)
	<-ep.done
	if ep.outcome.Err != nil || ep.outcome.Credential.Value != "T2" {
		t.Errorf("expected T2 got: %v (%v)", ep.outcome.Credential.Value, ep.outcome.Err)
	}
	if cred, _ := store.Read(); cred.Value != "T2" {
		t.Errorf("store should hold T2 got: %v", cred.Value)
	}
	if iss.Calls() != 1 {
		t.Errorf("expected one issuance got: %d", iss.Calls())
	}
}

func TestRefreshOnceIssueTimeout(t *testing.T) {
	iss := newMockIssuer(issues("never"))
	c := NewCoordinator(iss, credential.NewMemory(), Config{IssueTimeout: 10 * time.Millisecond})

	_, err := c.RefreshOnce(context.Background())

	var issErr *issuer.IssuanceError
	if !errors.As(err, &issErr) {
		t.Fatalf("expected IssuanceError got: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded got: %v", err)
	}
}

func TestRefreshRetriesTemporaryErrors(t *testing.T) {
	iss := newMockIssuer(func(n int32) (credential.Credential, error) {
		if n < 3 {
			return credential.Credential{}, &issuer.IssuanceError{StatusCode: http.StatusServiceUnavailable}
		}
		return credential.Credential{Value: "T2"}, nil
	})
	close(iss.release)

	c := NewCoordinator(iss, credential.NewMemory(), Config{
		BackOff: func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5) },
	})

	cred, err := c.RefreshOnce(context.Background())
	if err != nil || cred.Value != "T2" {
		t.Errorf("expected T2 got: %v (%v)", cred.Value, err)
	}
	if iss.Calls() != 3 {
		t.Errorf("expected 3 attempts got: %d", iss.Calls())
	}
}

func TestRefreshDoesNotRetryPermanentErrors(t *testing.T) {
	iss := newMockIssuer(func(int32) (credential.Credential, error) {
		return credential.Credential{}, &issuer.IssuanceError{StatusCode: http.StatusForbidden}
	})
	close(iss.release)

	c := NewCoordinator(iss, credential.NewMemory(), Config{
		BackOff: func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5) },
	})

	_, err := c.RefreshOnce(context.Background())

	var issErr *issuer.IssuanceError
	if !errors.As(err, &issErr) || issErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 IssuanceError got: %v", err)
	}
	if iss.Calls() != 1 {
		t.Errorf("expected a single attempt got: %d", iss.Calls())
	}
}

func TestRetryFor(t *testing.T) {
	if _, ok := RetryFor(0)().(*backoff.StopBackOff); !ok {
		t.Error("zero duration should disable retries")
	}
	b, ok := RetryFor(time.Minute)().(*backoff.ExponentialBackOff)
	if !ok || b.MaxElapsedTime != time.Minute {
		t.Errorf("expected exponential backoff bounded by a minute got: %#v", b)
	}
}

func TestJoinStartsEpisodeWhenIdle(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	c := NewCoordinator(iss, credential.NewMemory(), Config{})

	resumed := make(chan Outcome, 2)
	seen := c.Generation()
	if err := c.Join(newRequest(t, "/a"), seen, func(o Outcome) { resumed <- o }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != Refreshing {
		t.Fatalf("expected refreshing got: %v", c.State())
	}
	if err := c.Join(newRequest(t, "/b"), seen, func(o Outcome) { resumed <- o }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	close(iss.release)
	for i := 0; i < 2; i++ {
		if o := <-resumed; o.Credential.Value != "T2" {
			t.Errorf("expected T2 got: %v", o.Credential.Value)
		}
	}
	if iss.Calls() != 1 {
		t.Errorf("expected one issuance got: %d", iss.Calls())
	}
	if c.Generation() != seen+1 {
		t.Errorf("expected generation %d got: %d", seen+1, c.Generation())
	}
}

func TestJoinAfterFinishedEpisodeReusesOutcome(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	close(iss.release)
	c := NewCoordinator(iss, credential.NewMemory(), Config{})

	seen := c.Generation()
	if _, err := c.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got Outcome
	called := false
	err := c.Join(newRequest(t, "/late"), seen, func(o Outcome) {
		called = true
		got = o
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || got.Credential.Value != "T2" {
		t.Errorf("late request should be resumed with T2 straight away got: %+v", got)
	}
	if c.State() != Idle || iss.Calls() != 1 {
		t.Errorf("late request should not start another refresh, calls: %d", iss.Calls())
	}
}

func TestJoinAfterFailedEpisodeReusesFailure(t *testing.T) {
	iss := newMockIssuer(func(int32) (credential.Credential, error) {
		return credential.Credential{}, &issuer.IssuanceError{StatusCode: http.StatusBadGateway}
	})
	close(iss.release)
	c := NewCoordinator(iss, credential.NewMemory(), Config{})

	seen := c.Generation()
	c.RefreshOnce(context.Background())

	var got Outcome
	c.Join(newRequest(t, "/late"), seen, func(o Outcome) { got = o })

	var issErr *issuer.IssuanceError
	if !errors.As(got.Err, &issErr) || issErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected the earlier failure got: %v", got.Err)
	}
	if iss.Calls() != 1 {
		t.Errorf("expected one issuance got: %d", iss.Calls())
	}

	// a request sent after the failure starts a new episode
	resumed := make(chan Outcome, 1)
	c.Join(newRequest(t, "/next"), c.Generation(), func(o Outcome) { resumed <- o })
	<-resumed
	if iss.Calls() != 2 {
		t.Errorf("expected a second issuance got: %d", iss.Calls())
	}
}

func TestRefreshSinceReusesFinishedEpisode(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	close(iss.release)
	c := NewCoordinator(iss, credential.NewMemory(), Config{})

	seen := c.Generation()
	c.RefreshOnce(context.Background())

	cred, err := c.RefreshSince(context.Background(), seen)
	if err != nil || cred.Value != "T2" {
		t.Errorf("expected T2 got: %v (%v)", cred.Value, err)
	}
	if iss.Calls() != 1 {
		t.Errorf("finished episode should be reused, issuances: %d", iss.Calls())
	}

	_, err = c.RefreshSince(context.Background(), c.Generation())
	if err != nil || iss.Calls() != 2 {
		t.Errorf("expected a new issuance got: %d (%v)", iss.Calls(), err)
	}
}

// blockingObserver stands in for an unreachable pushgateway.
type blockingObserver struct {
	noopObserver
	unblock chan struct{}
}

func (o blockingObserver) EpisodeFinished(credential.Credential, error) {
	<-o.unblock
}

func TestWaitersNotHeldBySlowDrainOrObserver(t *testing.T) {
	iss := newMockIssuer(issues("T2"))
	unblock := make(chan struct{})
	c := NewCoordinator(iss, credential.NewMemory(), Config{Observer: blockingObserver{unblock: unblock}})

	ep := c.join()
	c.Enqueue(newRequest(t, "/slow"), func(Outcome) { <-unblock })
	defer close(unblock)

	close(iss.release)
	select {
	case <-ep.done:
	case <-time.After(time.Second):
		t.Fatal("a slow resume or observer should not hold up RefreshOnce callers")
	}
}
