package chainflow

import (
	"context"
	"errors"
	"testing"
)

type stubResource struct{}

func (stubResource) Release() error { return nil }

func TestProcessorExports(t *testing.T) {
	registry := NewRegistry()
	if err := RegisterFor[int](registry, "double", Typed(func(_ context.Context, b *BaseHandler, in int) (int, error) {
		factor, err := Arg[int](b, 0)
		if err != nil {
			return 0, err
		}
		return in * factor, nil
	})); err != nil {
		t.Fatalf("register typed handler: %v", err)
	}
	if err := registry.Register("numbers", Query(func(context.Context, Resource) (*Lazy[int], error) {
		return FromSlice([]int{1, 2, 3}), nil
	}, nil)); err != nil {
		t.Fatalf("register query handler: %v", err)
	}

	p, err := NewProcessor(&Config{}, NewNopServiceLogger(), ProcessorDependencies{
		Handlers:  registry,
		Resources: func(context.Context) (Resource, error) { return stubResource{}, nil },
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	var responses []Response
	p.Subscribe(ObserverFuncs{Next: func(r Response) { responses = append(responses, r) }})
	if err := p.ProcessRequestsSync(context.Background(), []Request{NewRequest("a", "numbers")}, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	items, ok := responses[0].Value.([]int)
	if !ok || len(items) != 3 {
		t.Fatalf("expected materialized numbers, got %#v", responses[0].Value)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestServiceExportsPropagateErrors(t *testing.T) {
	if _, err := TryNewService(nil, NewNopServiceLogger(), context.Background(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := NewProcessor(&Config{}, NewNopServiceLogger(), ProcessorDependencies{}); !errors.Is(err, ErrHandlerFactoryRequired) {
		t.Fatalf("expected handler factory required error, got %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}

	data, err := EncodeResponse(Response{ID: "a", Value: 1.0}, EncodingJSON)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	resp, err := DecodeResponse(data, EncodingJSON)
	if err != nil || resp.ID != "a" {
		t.Fatalf("decode response: %v %#v", err, resp)
	}
}

func TestHeadersExport(t *testing.T) {
	h := NewHeaders("authorization", "token")
	if got := h["authorization"]; len(got) != 1 || got[0] != "token" {
		t.Fatalf("expected headers to contain authorization, got %#v", h)
	}
}

func TestPhaseConstants(t *testing.T) {
	if PhasePanic != "panic" {
		t.Fatalf("expected PhasePanic to be 'panic', got %q", PhasePanic)
	}
	if MetadataKeyBatchID != "chainflow_batch_id" {
		t.Fatalf("unexpected batch id key %q", MetadataKeyBatchID)
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
