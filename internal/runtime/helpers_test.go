package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
)

type testResource struct {
	id         int
	releaseErr error
	released   atomic.Int32
}

func (r *testResource) Release() error {
	r.released.Add(1)
	return r.releaseErr
}

// testResources hands out numbered resources and remembers them.
type testResources struct {
	mu         sync.Mutex
	acquired   []*testResource
	acquireErr error
	releaseErr error
}

func (f *testResources) factory(context.Context) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	r := &testResource{id: len(f.acquired) + 1, releaseErr: f.releaseErr}
	f.acquired = append(f.acquired, r)
	return r, nil
}

func (f *testResources) all() []*testResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*testResource(nil), f.acquired...)
}

// stepCall records what a handler saw.
type stepCall struct {
	RequestID string
	Payload   any
	Resource  Resource
	Headers   Headers
}

// testHandler runs fn for Execute and records its calls into rec.
type testHandler struct {
	rec          *callRecorder
	req          Request
	resource     Resource
	headers      Headers
	setupErr     error
	authorizeErr error
	fn           func(ctx context.Context, req Request, payload any) (any, error)
}

func (h *testHandler) Setup(_ context.Context, resource Resource, req Request) error {
	h.req = req
	h.resource = resource
	h.rec.add("setup:" + req.ID)
	return h.setupErr
}

func (h *testHandler) Authorize(_ context.Context, headers Headers) error {
	h.headers = headers
	h.rec.add("authorize:" + h.req.ID)
	return h.authorizeErr
}

func (h *testHandler) Execute(ctx context.Context, payload any) (any, error) {
	h.rec.add("execute:" + h.req.ID)
	h.rec.call(stepCall{RequestID: h.req.ID, Payload: payload, Resource: h.resource, Headers: h.headers})
	if h.fn == nil {
		return payload, nil
	}
	return h.fn(ctx, h.req, payload)
}

type callRecorder struct {
	mu     sync.Mutex
	events []string
	calls  []stepCall
}

func (r *callRecorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *callRecorder) call(c stepCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *callRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *callRecorder) Calls() []stepCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stepCall(nil), r.calls...)
}

func (r *callRecorder) executed(requestID string) bool {
	for _, c := range r.Calls() {
		if c.RequestID == requestID {
			return true
		}
	}
	return false
}

// ctorFor builds a Constructor whose handlers report into rec.
func ctorFor(rec *callRecorder, fn func(ctx context.Context, req Request, payload any) (any, error)) Constructor {
	return func([]any) (Handler, error) {
		return &testHandler{rec: rec, fn: fn}, nil
	}
}

// testLazy is a Materializable counting its evaluations.
type testLazy struct {
	value any
	err   error
	calls atomic.Int32
}

func (l *testLazy) Materialize(context.Context) (any, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.value, nil
}

// recordingObserver collects everything a sink delivers.
type recordingObserver struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	completed int
}

func (o *recordingObserver) OnNext(resp Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, resp)
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *recordingObserver) Responses() []Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Response(nil), o.responses...)
}

func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) Completed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed
}

func responseIDs(responses []Response) []string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.ID
	}
	return ids
}

// link marks every request but the last as continuing the chain.
func link(requests ...Request) []Request {
	for i := range requests {
		requests[i].Continue = i < len(requests)-1
	}
	return requests
}

func newTestProcessor(t *testing.T, conf *configpkg.Config, deps ProcessorDependencies) *Processor {
	t.Helper()
	p, err := NewProcessor(conf, nil, deps)
	require.NoError(t, err)
	return p
}

var errBoom = errors.New("boom")

func addArg(_ context.Context, req Request, payload any) (any, error) {
	base, _ := payload.(int)
	delta, ok := req.Args[0].(int)
	if !ok {
		return nil, fmt.Errorf("bad delta %v", req.Args[0])
	}
	return base + delta, nil
}
