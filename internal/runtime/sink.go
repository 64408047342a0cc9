package runtime

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Observer receives the Responses of a processor. OnNext is called for every
// buffered and every new Response; OnCompleted or OnError is the terminal
// signal of a batch.
type Observer interface {
	OnNext(resp Response)
	OnError(err error)
	OnCompleted()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Next      func(Response)
	Error     func(error)
	Completed func()
}

func (o ObserverFuncs) OnNext(resp Response) {
	if o.Next != nil {
		o.Next(resp)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}

// Subscription deregisters an observer. Dispose is idempotent.
type Subscription interface {
	Dispose()
}

type subscription struct {
	sink     *ResultSink
	observer Observer
	disposed atomic.Bool
}

func (s *subscription) Dispose() {
	if s == nil || !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.sink.remove(s)
}

func (s *subscription) active() bool {
	return !s.disposed.Load()
}

type noopSubscription struct{}

func (noopSubscription) Dispose() {}

// ResultSink is an unbounded, insertion-ordered buffer of Responses plus the
// observers that want them. Delivery is serialized: an observer never sees a
// live Response before its replay finished. Observers are called inline and
// must not call Subscribe, Record or Complete on the same sink.
type ResultSink struct {
	// deliver is held while observers are being called.
	deliver sync.Mutex

	mu        sync.Mutex
	buffer    []Response
	observers []*subscription
}

// NewResultSink returns an empty sink.
func NewResultSink() *ResultSink {
	return &ResultSink{}
}

// Subscribe registers observer and replays the buffer to it, in order, before
// returning. Subscribing an observer that is already registered returns a
// handle to the existing registration without replaying again. A nil
// observer is ignored.
func (s *ResultSink) Subscribe(observer Observer) Subscription {
	if observer == nil {
		return noopSubscription{}
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if existing := s.findLocked(observer); existing != nil {
		s.mu.Unlock()
		return existing
	}
	sub := &subscription{sink: s, observer: observer}
	s.observers = append(s.observers, sub)
	replay := make([]Response, len(s.buffer))
	copy(replay, s.buffer)
	s.mu.Unlock()

	for _, resp := range replay {
		if !sub.active() {
			break
		}
		observer.OnNext(resp)
	}
	return sub
}

// findLocked returns the registration of an observer with a comparable
// dynamic type that is already subscribed.
func (s *ResultSink) findLocked(observer Observer) *subscription {
	if !reflect.TypeOf(observer).Comparable() {
		return nil
	}
	for _, sub := range s.observers {
		if reflect.TypeOf(sub.observer) == reflect.TypeOf(observer) && sub.observer == observer {
			return sub
		}
	}
	return nil
}

func (s *ResultSink) remove(target *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.observers {
		if sub == target {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// Append adds resp to the buffer without notifying observers.
func (s *ResultSink) Append(resp Response) {
	s.mu.Lock()
	s.buffer = append(s.buffer, resp)
	s.mu.Unlock()
}

// Publish pushes resp to the current observers in registration order without
// buffering it.
func (s *ResultSink) Publish(resp Response) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	for _, sub := range s.snapshotObservers() {
		if sub.active() {
			sub.observer.OnNext(resp)
		}
	}
}

// Record appends resp and publishes it. No Subscribe can interleave between
// the two, so every observer sees resp exactly once.
func (s *ResultSink) Record(resp Response) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.buffer = append(s.buffer, resp)
	observers := make([]*subscription, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, sub := range observers {
		if sub.active() {
			sub.observer.OnNext(resp)
		}
	}
}

// Complete delivers the terminal signal to every current observer: OnError
// when err is non-nil, OnCompleted otherwise. Observers stay registered.
func (s *ResultSink) Complete(err error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	for _, sub := range s.snapshotObservers() {
		if !sub.active() {
			continue
		}
		if err != nil {
			sub.observer.OnError(err)
		} else {
			sub.observer.OnCompleted()
		}
	}
}

// Snapshot returns a copy of the buffered Responses in insertion order.
func (s *ResultSink) Snapshot() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Response, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Len returns the number of buffered Responses.
func (s *ResultSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Observers returns the number of registered observers.
func (s *ResultSink) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *ResultSink) snapshotObservers() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, len(s.observers))
	copy(out, s.observers)
	return out
}
