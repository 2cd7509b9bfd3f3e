package refresh

import (
	"errors"
	"net/http"
	"sync"

	"github.com/uswitch/access-creds/pkg/credential"
)

var ErrQueueFull = errors.New("refresh queue is full")
var ErrQueueClosed = errors.New("refresh episode already finished")

// Outcome is what a refresh episode resolved to: a credential or an error.
type Outcome struct {
	Credential credential.Credential
	Err        error
}

// ResumeFunc continues a queued request once its episode has an outcome.
// Drain does not resume the next request until it returns, so a ResumeFunc
// that dispatches before returning keeps dispatches in queue order.
type ResumeFunc func(Outcome)

// QueuedRequest is a request parked on a refresh episode.
type QueuedRequest struct {
	Request *http.Request
	resume  ResumeFunc
}

// Queue holds the requests waiting on one refresh episode. It is drained
// exactly once; anything offered afterwards is refused with ErrQueueClosed
// and has to join a new episode.
type Queue struct {
	mu      sync.Mutex
	items   []*QueuedRequest
	max     int
	drained bool
}

// NewQueue returns a queue holding at most max requests, or any number when
// max is not positive.
func NewQueue(max int) *Queue {
	return &Queue{max: max}
}

func (q *Queue) Enqueue(req *http.Request, resume ResumeFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return ErrQueueClosed
	}
	if q.max > 0 && len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, &QueuedRequest{Request: req, resume: resume})
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Drain resumes every queued request with o, in the order they were enqueued,
// and returns how many were resumed.
func (q *Queue) Drain(o Outcome) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.drained = true
	q.mu.Unlock()

	for _, item := range items {
		item.resume(o)
	}
	return len(items)
}
