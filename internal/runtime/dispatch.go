package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Constructor builds a fresh Handler for one step from the request arguments.
type Constructor func(args []any) (Handler, error)

// OperationInfo describes a registered operation.
type OperationInfo struct {
	Name         string   `json:"name"`
	Untyped      bool     `json:"untyped"`
	PayloadTypes []string `json:"payload_types,omitempty"`
}

type typedEntry struct {
	payload     reflect.Type
	constructor Constructor
}

// Registry is the explicit lookup table from operation names, and optionally
// payload types, to handler constructors. It implements HandlerFactory.
type Registry struct {
	mu      sync.RWMutex
	untyped map[string]Constructor
	typed   map[string][]typedEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		untyped: make(map[string]Constructor),
		typed:   make(map[string][]typedEntry),
	}
}

// Register binds operation to ctor for every payload type. A later
// registration for the same operation replaces the earlier one.
func (r *Registry) Register(operation string, ctor Constructor) error {
	if operation == "" {
		return errspkg.ErrOperationRequired
	}
	if ctor == nil {
		return errspkg.ErrConstructorRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untyped[operation] = ctor
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(operation string, ctor Constructor) *Registry {
	if err := r.Register(operation, ctor); err != nil {
		panic(err)
	}
	return r
}

// RegisterFor binds operation to ctor when the incoming payload is a T. When T
// is an interface type, any payload implementing it matches; exact type
// matches win over interface matches, and interface matches are tried in
// registration order.
func RegisterFor[T any](r *Registry, operation string, ctor Constructor) error {
	if operation == "" {
		return errspkg.ErrOperationRequired
	}
	if ctor == nil {
		return errspkg.ErrConstructorRequired
	}
	payload := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.typed[operation]
	for i, entry := range entries {
		if entry.payload == payload {
			entries[i].constructor = ctor
			return nil
		}
	}
	r.typed[operation] = append(entries, typedEntry{payload: payload, constructor: ctor})
	return nil
}

// Resolve builds the handler for one step.
func (r *Registry) Resolve(operation string, args []any, payload any) (Handler, error) {
	ctor := r.lookup(operation, payload)
	if ctor == nil {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownOperation, operation)
	}
	handler, err := ctor(args)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrNilHandler, operation)
	}
	return handler, nil
}

func (r *Registry) lookup(operation string, payload any) Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if payload != nil {
		entries := r.typed[operation]
		dynamic := reflect.TypeOf(payload)
		for _, entry := range entries {
			if entry.payload == dynamic {
				return entry.constructor
			}
		}
		for _, entry := range entries {
			if entry.payload.Kind() == reflect.Interface && dynamic.Implements(entry.payload) {
				return entry.constructor
			}
		}
	}
	return r.untyped[operation]
}

// Operations lists registered operations sorted by name.
func (r *Registry) Operations() []OperationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*OperationInfo)
	get := func(name string) *OperationInfo {
		info, ok := byName[name]
		if !ok {
			info = &OperationInfo{Name: name}
			byName[name] = info
		}
		return info
	}
	for name := range r.untyped {
		get(name).Untyped = true
	}
	for name, entries := range r.typed {
		info := get(name)
		for _, entry := range entries {
			info.PayloadTypes = append(info.PayloadTypes, entry.payload.String())
		}
	}

	out := make([]OperationInfo, 0, len(byName))
	for _, info := range byName {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Step is everything a StepFunc needs to run one request.
type Step struct {
	BatchID  string
	ChainID  string
	Request  Request
	Headers  Headers
	Resource Resource
	Payload  any
}

// StepFunc runs one step and returns its result.
type StepFunc func(ctx context.Context, step Step) (any, error)

// dispatchStep resolves the handler for a step and drives Setup, Authorize and
// Execute strictly in order. Any failure is returned as a *StepError naming
// the phase.
func dispatchStep(factory HandlerFactory) StepFunc {
	return func(ctx context.Context, step Step) (any, error) {
		handler, err := prepareStep(ctx, factory, step)
		if err != nil {
			return nil, err
		}
		out, err := handler.Execute(ctx, step.Payload)
		if err != nil {
			return nil, wrapStep(err, step.Request, step.ChainID, PhaseExecute)
		}
		return out, nil
	}
}

// prepareStep resolves the handler for a step and runs Setup and Authorize.
func prepareStep(ctx context.Context, factory HandlerFactory, step Step) (Handler, error) {
	req := step.Request
	handler, err := factory.Resolve(req.Operation, req.Args, step.Payload)
	if err != nil {
		return nil, wrapStep(err, req, step.ChainID, PhaseResolve)
	}
	if handler == nil {
		return nil, wrapStep(errspkg.ErrNilHandler, req, step.ChainID, PhaseResolve)
	}
	if err := handler.Setup(ctx, step.Resource, req); err != nil {
		return nil, wrapStep(err, req, step.ChainID, PhaseSetup)
	}
	if err := handler.Authorize(ctx, step.Headers); err != nil {
		return nil, wrapStep(err, req, step.ChainID, PhaseAuthorize)
	}
	return handler, nil
}
