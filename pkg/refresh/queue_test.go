package refresh

import (
	"errors"
	"net/http"
	"testing"

	"github.com/uswitch/access-creds/pkg/credential"
)

func newRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://intake.local"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestQueueDrainsInOrder(t *testing.T) {
	q := NewQueue(0)
	var order []string

	for _, path := range []string{"/a", "/b", "/c"} {
		req := newRequest(t, path)
		err := q.Enqueue(req, func(o Outcome) {
			order = append(order, req.URL.Path+"="+o.Credential.Value)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n := q.Drain(Outcome{Credential: credential.Credential{Value: "T2"}})
	if n != 3 {
		t.Errorf("expected 3 resumed got: %d", n)
	}

	expected := []string{"/a=T2", "/b=T2", "/c=T2"}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("resume order should be %v got: %v", expected, order)
			break
		}
	}
}

func TestQueueDrainFailure(t *testing.T) {
	q := NewQueue(0)
	boom := errors.New("boom")
	var errs []error

	for i := 0; i < 3; i++ {
		q.Enqueue(newRequest(t, "/"), func(o Outcome) { errs = append(errs, o.Err) })
	}
	q.Drain(Outcome{Err: boom})

	if len(errs) != 3 {
		t.Fatalf("every request should be resumed, got: %d", len(errs))
	}
	for _, err := range errs {
		if err != boom {
			t.Errorf("expected boom got: %v", err)
		}
	}
}

func TestQueueResumesExactlyOnce(t *testing.T) {
	q := NewQueue(0)
	calls := 0
	q.Enqueue(newRequest(t, "/"), func(o Outcome) { calls++ })

	q.Drain(Outcome{})
	q.Drain(Outcome{})

	if calls != 1 {
		t.Errorf("expected 1 resume got: %d", calls)
	}
	if q.Len() != 0 {
		t.Errorf("drained queue should be empty got: %d", q.Len())
	}
}

func TestQueueClosedAfterDrain(t *testing.T) {
	q := NewQueue(0)
	q.Drain(Outcome{})

	err := q.Enqueue(newRequest(t, "/"), func(o Outcome) {})
	if err != ErrQueueClosed {
		t.Errorf("expected ErrQueueClosed got: %v", err)
	}
}

func TestQueueBounded(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(newRequest(t, "/a"), func(o Outcome) {})
	q.Enqueue(newRequest(t, "/b"), func(o Outcome) {})

	err := q.Enqueue(newRequest(t, "/c"), func(o Outcome) {})
	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull got: %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 queued got: %d", q.Len())
	}
}
