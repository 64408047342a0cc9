package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/chainflow/internal/runtime/transport"
	"github.com/drblury/chainflow/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewZapServiceLogger(zap.NewNop())
}

func testServiceDeps(rec *callRecorder) ServiceDependencies {
	resources := &testResources{}
	return ServiceDependencies{
		Handlers:  arithmeticRegistry(rec),
		Resources: resources.factory,
	}
}

func testServiceConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:  "channel",
		BatchTopic:    "batches",
		ResponseTopic: "responses",
	}
}

type failingTransportFactory struct{ err error }

func (f failingTransportFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return transportpkg.Transport{}, f.err
}

type stubTransportFactory struct {
	pub *testPublisher
}

func (f *stubTransportFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return transportpkg.Transport{Publisher: f.pub}, nil
}

func TestTryNewServiceValidations(t *testing.T) {
	t.Parallel()

	deps := testServiceDeps(&callRecorder{})
	ctx := context.Background()

	_, err := TryNewService(nil, newTestLogger(), ctx, deps)
	require.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewService(testServiceConfig(), nil, ctx, deps)
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = TryNewService(testServiceConfig(), newTestLogger(), ctx, ServiceDependencies{Resources: deps.Resources})
	require.ErrorIs(t, err, errspkg.ErrHandlerFactoryRequired)

	_, err = TryNewService(testServiceConfig(), newTestLogger(), ctx, ServiceDependencies{Handlers: deps.Handlers})
	require.ErrorIs(t, err, errspkg.ErrResourceFactoryRequired)

	bad := testServiceConfig()
	bad.ChunkSize = -1
	_, err = TryNewService(bad, newTestLogger(), ctx, deps)
	var cfgErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewServicePanicsWhenFactoryFails(t *testing.T) {
	t.Parallel()

	deps := testServiceDeps(&callRecorder{})
	deps.TransportFactory = failingTransportFactory{err: errBoom}
	assert.PanicsWithError(t, errBoom.Error(), func() {
		NewService(testServiceConfig(), newTestLogger(), context.Background(), deps)
	})
}

func TestNewServiceClosesTransportOnMiddlewareError(t *testing.T) {
	t.Parallel()

	pub := &testPublisher{}
	deps := testServiceDeps(&callRecorder{})
	deps.TransportFactory = &stubTransportFactory{pub: pub}
	deps.DisableDefaultMiddlewares = true
	deps.Middlewares = []MiddlewareRegistration{{
		Name:    "broken",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errBoom },
	}}

	_, err := TryNewService(testServiceConfig(), newTestLogger(), context.Background(), deps)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, pub.closed)
}

func TestNewServiceAnonymousMiddlewareError(t *testing.T) {
	t.Parallel()

	deps := testServiceDeps(&callRecorder{})
	deps.TransportFactory = &stubTransportFactory{pub: &testPublisher{}}
	deps.Middlewares = []MiddlewareRegistration{{}}

	_, err := TryNewService(testServiceConfig(), newTestLogger(), context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestNewServiceDefaults(t *testing.T) {
	t.Parallel()

	conf := &configpkg.Config{}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), testServiceDeps(&callRecorder{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	assert.Equal(t, "channel", svc.Conf.PubSubSystem)
	assert.Equal(t, configpkg.DefaultResponseTopic, svc.Conf.ResponseTopic)
	assert.Empty(t, conf.PubSubSystem, "caller config must not be modified")
	assert.True(t, svc.Capabilities().SupportsOrdering)
	assert.NotNil(t, svc.Publisher())
	assert.NotNil(t, svc.Subscriber())
	assert.Nil(t, svc.Metrics())
	assert.NotNil(t, svc.Stats())
}

func TestNewServiceWithMetricsAndCache(t *testing.T) {
	t.Parallel()

	conf := testServiceConfig()
	conf.MetricsEnabled = true
	conf.CacheEnabled = true
	reg := prometheus.NewRegistry()

	deps := testServiceDeps(&callRecorder{})
	deps.MetricsRegistry = reg
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	require.NotNil(t, svc.Metrics())
	assert.NotNil(t, svc.ownedCache)
	assert.Contains(t, svc.httpRouters, configpkg.DefaultMetricsPort)
}

func TestRegisterBatchConsumerRequiresTopic(t *testing.T) {
	t.Parallel()

	conf := testServiceConfig()
	conf.BatchTopic = ""
	svc := NewService(conf, newTestLogger(), context.Background(), testServiceDeps(&callRecorder{}))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	require.ErrorIs(t, svc.RegisterBatchConsumer("", ""), errspkg.ErrTopicRequired)
	_, err := svc.PublishBatch("", BatchEnvelope{})
	require.ErrorIs(t, err, errspkg.ErrTopicRequired)

	require.NoError(t, svc.RegisterBatchConsumer("", "explicit"))
	consumers := svc.Consumers()
	require.Len(t, consumers, 1)
	assert.Equal(t, "chainflow-batches-explicit", consumers[0].Name)
	assert.Equal(t, "explicit", consumers[0].Topic)
}

// startService runs svc until the test ends and returns a subscription to
// the response topic opened before any batch is published.
func startService(t *testing.T, svc *Service) <-chan *message.Message {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	responses, err := svc.Subscriber().Subscribe(ctx, svc.Conf.ResponseTopic)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-done
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = svc.Close(closeCtx)
	})
	return responses
}

// collectBatch acks messages until it holds the completion marker and as many
// responses as the marker reports. Responses are keyed by chain id because
// they may arrive in any order, the marker included.
func collectBatch(t *testing.T, messages <-chan *message.Message) (map[string]*message.Message, *message.Message) {
	t.Helper()

	responses := map[string]*message.Message{}
	var marker *message.Message
	want := -1
	timeout := time.After(5 * time.Second)
	for marker == nil || len(responses) < want {
		select {
		case msg := <-messages:
			msg.Ack()
			switch msg.Metadata.Get(transport.MetadataKind) {
			case KindResponse:
				responses[msg.Metadata.Get(transport.MetadataChainID)] = msg
			case KindCompleted, KindFailed:
				require.Nil(t, marker, "duplicate completion marker")
				var completion BatchCompletion
				require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &completion))
				marker, want = msg, completion.Responses
			}
		case <-timeout:
			t.Fatalf("incomplete batch: %d responses, marker received: %t", len(responses), marker != nil)
		}
	}
	return responses, marker
}

func TestServiceProcessesPublishedBatch(t *testing.T) {
	rec := &callRecorder{}
	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), testServiceDeps(rec))
	require.NoError(t, svc.RegisterBatchConsumer("batches", ""))
	responses := startService(t, svc)

	batchID, err := svc.PublishBatch("", BatchEnvelope{
		Requests: append(
			link(NewRequest("a", "add", 1), NewRequest("a2", "add", 2)),
			NewRequest("b", "fail"),
		),
		Headers: metadatapkg.New("tenant", "acme"),
		Sync:    true,
	})
	require.NoError(t, err)

	msgs, markerMsg := collectBatch(t, responses)
	require.Len(t, msgs, 2)
	require.Contains(t, msgs, "a")
	require.Contains(t, msgs, "b")

	first, err := DecodeResponse(msgs["a"].Payload, configpkg.EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, float64(3), first.Value)
	assert.Equal(t, batchID, msgs["a"].Metadata.Get(transport.MetadataBatchID))
	assert.Equal(t, "acme", metadatapkg.FromWatermill(msgs["a"].Metadata).Get("tenant"))

	second, err := DecodeResponse(msgs["b"].Payload, configpkg.EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)
	assert.True(t, second.Failed())

	assert.Equal(t, KindCompleted, markerMsg.Metadata.Get(transport.MetadataKind))
	var marker BatchCompletion
	require.NoError(t, jsoncodec.Unmarshal(markerMsg.Payload, &marker))
	assert.Equal(t, BatchCompletion{BatchID: batchID, Responses: 2}, marker)

	assert.Equal(t, []string{"a", "b"}, responseIDs(svc.RecentResponses()))
	consumers := svc.Consumers()
	require.Len(t, consumers, 1)
	assert.EqualValues(t, 1, consumers[0].Batches)
	assert.Zero(t, consumers[0].Failures)
	assert.False(t, consumers[0].LastConsumedAt.IsZero())
}

func TestServiceReportsChunkFailureInMarker(t *testing.T) {
	deps := testServiceDeps(&callRecorder{})
	deps.Resources = func(context.Context) (Resource, error) { return nil, errBoom }
	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), deps)
	require.NoError(t, svc.RegisterBatchConsumer("batches", ""))
	responses := startService(t, svc)

	_, err := svc.PublishBatch("", BatchEnvelope{Requests: []Request{NewRequest("a", "add", 1)}})
	require.NoError(t, err)

	msgs, markerMsg := collectBatch(t, responses)
	assert.Empty(t, msgs)
	assert.Equal(t, KindFailed, markerMsg.Metadata.Get(transport.MetadataKind))
	var marker BatchCompletion
	require.NoError(t, jsoncodec.Unmarshal(markerMsg.Payload, &marker))
	assert.Contains(t, marker.Error, errBoom.Error())
}

func TestServiceForwardsDetachedResponses(t *testing.T) {
	rec := &callRecorder{}
	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), testServiceDeps(rec))
	require.NoError(t, svc.RegisterBatchConsumer("batches", ""))
	responses := startService(t, svc)

	detached := NewRequest("bg", "add", 5)
	detached.FireAndForget = true
	_, err := svc.PublishBatch("", BatchEnvelope{Requests: []Request{NewRequest("a", "add", 1), detached}})
	require.NoError(t, err)

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for !seen["a"] || !seen["bg"] || !seen[KindCompleted] {
		select {
		case msg := <-responses:
			msg.Ack()
			kind := msg.Metadata.Get(transport.MetadataKind)
			if kind == KindResponse {
				seen[msg.Metadata.Get(transport.MetadataChainID)] = true
				continue
			}
			require.False(t, seen[kind], "duplicate %s marker", kind)
			seen[kind] = true
		case <-timeout:
			t.Fatalf("missing messages: %v", seen)
		}
	}
}

func TestServiceDropsUnprocessableBatch(t *testing.T) {
	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), testServiceDeps(&callRecorder{}))
	require.NoError(t, svc.RegisterBatchConsumer("batches", ""))
	responses := startService(t, svc)

	require.NoError(t, svc.Publisher().Publish("batches", message.NewMessage("bad", []byte("{"))))
	require.Eventually(t, func() bool {
		c := svc.Consumers()
		return len(c) == 1 && c[0].Failures == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := svc.PublishBatch("", BatchEnvelope{Requests: []Request{NewRequest("a", "echo")}})
	require.NoError(t, err)
	msgs, markerMsg := collectBatch(t, responses)
	assert.Len(t, msgs, 1)
	assert.Contains(t, msgs, "a")
	assert.Equal(t, KindCompleted, markerMsg.Metadata.Get(transport.MetadataKind))
}

func TestServicePoisonsUnprocessableBatch(t *testing.T) {
	conf := testServiceConfig()
	conf.PoisonQueue = "poison"
	svc := NewService(conf, newTestLogger(), context.Background(), testServiceDeps(&callRecorder{}))
	require.NoError(t, svc.RegisterBatchConsumer("batches", ""))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	poisoned, err := svc.Subscriber().Subscribe(ctx, "poison")
	require.NoError(t, err)
	startService(t, svc)

	require.NoError(t, svc.Publisher().Publish("batches", message.NewMessage("bad", nil)))

	select {
	case msg := <-poisoned:
		msg.Ack()
		assert.Equal(t, "bad", msg.UUID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected message on poison queue")
	}
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	pub := &testPublisher{}
	deps := testServiceDeps(&callRecorder{})
	deps.TransportFactory = &stubTransportFactory{pub: pub}
	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), deps)

	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestServiceNewProcessorSharesStats(t *testing.T) {
	t.Parallel()

	svc := NewService(testServiceConfig(), newTestLogger(), context.Background(), testServiceDeps(&callRecorder{}))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	p, err := svc.NewProcessor()
	require.NoError(t, err)
	require.NoError(t, p.ProcessRequests(context.Background(), []Request{NewRequest("a", "add", 1)}, nil))

	assert.Same(t, svc.Stats(), p.Stats())
	assert.Equal(t, "add", svc.Stats().All()[0].Operation)
}

func TestWaitGroupHonoursContext(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, waitGroup(ctx, &wg), context.Canceled)
	wg.Done()
	require.NoError(t, waitGroup(context.Background(), &wg))
}

func TestRecentResponsesRing(t *testing.T) {
	t.Parallel()

	r := newRecentResponses(3)
	assert.Empty(t, r.Snapshot())
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.OnNext(Response{ID: id})
	}
	r.OnError(errors.New("ignored"))
	r.OnCompleted()
	assert.Equal(t, []string{"c", "d", "e"}, responseIDs(r.Snapshot()))
}

func TestMultiObserverSkipsNil(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m := multiObserver{nil, obs}
	m.OnNext(Response{ID: "a"})
	m.OnError(errBoom)
	m.OnCompleted()
	assert.Len(t, obs.Responses(), 1)
	assert.Len(t, obs.Errors(), 1)
	assert.Equal(t, 1, obs.Completed())
}
