package transport

import (
	"context"
	"sync"

	"trustlog/pkg/errors"
)

// Responder is a programmable Client for tests. Queued handlers are consumed
// one per call, in order; when the queue is empty the fallback functions
// answer, and without a fallback the responder reports offline, the same
// behavior a dead network would produce.
type Responder struct {
	mu sync.Mutex

	getQueue  []func(GetRequest) (*GetResponse, error)
	postQueue []func(PostRequest) (*PostResponse, error)

	// GetFunc and PostFunc answer calls once the queues are drained.
	GetFunc  func(GetRequest) (*GetResponse, error)
	PostFunc func(PostRequest) (*PostResponse, error)

	gets  []GetRequest
	posts []PostRequest
}

var _ Client = (*Responder)(nil)

func NewResponder() *Responder { return &Responder{} }

// QueueGet schedules a one-shot handler for the next GetCertificates call.
func (r *Responder) QueueGet(fn func(GetRequest) (*GetResponse, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getQueue = append(r.getQueue, fn)
}

// QueuePost schedules a one-shot handler for the next PostCertificate call.
func (r *Responder) QueuePost(fn func(PostRequest) (*PostResponse, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postQueue = append(r.postQueue, fn)
}

func (r *Responder) GetCertificates(ctx context.Context, req GetRequest) (*GetResponse, error) {
	r.mu.Lock()
	r.gets = append(r.gets, req)
	var fn func(GetRequest) (*GetResponse, error)
	if len(r.getQueue) > 0 {
		fn = r.getQueue[0]
		r.getQueue = r.getQueue[1:]
	} else {
		fn = r.GetFunc
	}
	r.mu.Unlock()

	if fn == nil {
		return nil, errors.New(errors.CodeOffline, "no responder handler installed")
	}
	return fn(req)
}

func (r *Responder) PostCertificate(ctx context.Context, req PostRequest) (*PostResponse, error) {
	r.mu.Lock()
	r.posts = append(r.posts, req)
	var fn func(PostRequest) (*PostResponse, error)
	if len(r.postQueue) > 0 {
		fn = r.postQueue[0]
		r.postQueue = r.postQueue[1:]
	} else {
		fn = r.PostFunc
	}
	r.mu.Unlock()

	if fn == nil {
		return nil, errors.New(errors.CodeOffline, "no responder handler installed")
	}
	return fn(req)
}

// GetCalls returns the recorded poll requests, oldest first.
func (r *Responder) GetCalls() []GetRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GetRequest(nil), r.gets...)
}

// PostCalls returns the recorded submissions, oldest first.
func (r *Responder) PostCalls() []PostRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PostRequest(nil), r.posts...)
}
