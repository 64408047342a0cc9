package chainflow

import (
	"context"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/chainflow/internal/runtime/handlers"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/chainflow/internal/runtime/transport"
	newtransport "github.com/drblury/chainflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Requests, chains and responses
	Request        = runtimepkg.Request
	Response       = runtimepkg.Response
	Statistics     = runtimepkg.Statistics
	Headers        = metadatapkg.Headers
	Chain          = runtimepkg.Chain
	Chunk          = runtimepkg.Chunk
	Materializable = runtimepkg.Materializable

	// Processing
	Processor             = runtimepkg.Processor
	ProcessorDependencies = runtimepkg.ProcessorDependencies
	Resource              = runtimepkg.Resource
	ResourceFactory       = runtimepkg.ResourceFactory
	FormatErrorFunc       = runtimepkg.FormatErrorFunc
	ResponseCache         = runtimepkg.ResponseCache
	TheineCache           = runtimepkg.TheineCache

	// Handlers
	Handler             = runtimepkg.Handler
	HandlerFactory      = runtimepkg.HandlerFactory
	HandlerFactoryFunc  = runtimepkg.HandlerFactoryFunc
	Constructor         = runtimepkg.Constructor
	Registry            = runtimepkg.Registry
	OperationInfo       = runtimepkg.OperationInfo
	BaseHandler         = handlerpkg.Base
	HandlerOption       = handlerpkg.Option
	AuthorizeFunc       = handlerpkg.AuthorizeFunc
	Lazy[T any]         = handlerpkg.Lazy[T]
	SourceFunc[T any]   = handlerpkg.SourceFunc[T]
	QueryFunc[T any]    = handlerpkg.QueryFunc[T]
	TypedFunc[T, S any] = handlerpkg.TypedFunc[T, S]

	// Results
	Observer      = runtimepkg.Observer
	ObserverFuncs = runtimepkg.ObserverFuncs
	Subscription  = runtimepkg.Subscription
	ResultSink    = runtimepkg.ResultSink

	// Errors
	Phase                   = runtimepkg.Phase
	StepError               = runtimepkg.StepError
	PanicError              = runtimepkg.PanicError
	ChunkError              = runtimepkg.ChunkError
	UnprocessableBatchError = runtimepkg.UnprocessableBatchError
	ConfigValidationError   = errspkg.ConfigValidationError

	// Step middleware
	Step                       = runtimepkg.Step
	StepFunc                   = runtimepkg.StepFunc
	StepMiddleware             = runtimepkg.StepMiddleware
	StepMiddlewareBuilder      = runtimepkg.StepMiddlewareBuilder
	StepMiddlewareRegistration = runtimepkg.StepMiddlewareRegistration

	// Chain lifecycle hooks
	ChainContext = runtimepkg.ChainContext
	ChainHooks   = runtimepkg.ChainHooks

	// Router middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Broker intake and forwarding
	BatchEnvelope           = runtimepkg.BatchEnvelope
	BatchCompletion         = runtimepkg.BatchCompletion
	ResponseForwarder       = runtimepkg.ResponseForwarder
	ResponseForwarderConfig = runtimepkg.ResponseForwarderConfig

	// Statistics and introspection
	OperationStats     = runtimepkg.OperationStats
	StatsRegistry      = runtimepkg.StatsRegistry
	Metrics            = runtimepkg.Metrics
	MetricsSnapshot    = runtimepkg.MetricsSnapshot
	ConsumerSnapshot   = runtimepkg.ConsumerSnapshot
	TransportInfo      = runtimepkg.TransportInfo
	ProcessUsage       = runtimepkg.ProcessUsage
	DeadLetterMetrics  = runtimepkg.DeadLetterMetrics
	DeadLetterSnapshot = runtimepkg.DeadLetterSnapshot

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	// Modular transport types
	TransportBuilder         = newtransport.Builder
	TransportConfig          = newtransport.Config
	TransportRegistry        = newtransport.Registry
	TransportDLQManager      = newtransport.DLQManager
	TransportDLQLister       = newtransport.DLQLister
	TransportQueueIntrospect = newtransport.QueueIntrospector
	DeadLetter               = newtransport.DeadLetter
	DLQMessage               = newtransport.DLQMessage
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	NewProcessor   = runtimepkg.NewProcessor
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	NewRequest     = runtimepkg.NewRequest
	NewRegistry    = runtimepkg.NewRegistry
	NewResultSink  = runtimepkg.NewResultSink
	NewTheineCache = runtimepkg.NewTheineCache
	SplitChains    = runtimepkg.SplitChains
	GroupChunks    = runtimepkg.GroupChunks

	NewBase         = handlerpkg.NewBase
	WithAuthorize   = handlerpkg.WithAuthorize
	AuthorizeHeader = handlerpkg.AuthorizeHeader
	AuthorizeAll    = handlerpkg.AuthorizeAll
	Func            = handlerpkg.Func

	DefaultStepMiddlewares = runtimepkg.DefaultStepMiddlewares
	StepRecoverer          = runtimepkg.RecovererMiddleware
	StepTracer             = runtimepkg.TracerMiddleware
	LogSteps               = runtimepkg.LogStepsMiddleware
	StepMetrics            = runtimepkg.MetricsMiddleware

	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	RouterTracerMiddleware    = runtimepkg.RouterTracerMiddleware
	RouterMetricsMiddleware   = runtimepkg.RouterMetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware     = runtimepkg.PoisonQueueMiddleware
	RouterRecovererMiddleware = runtimepkg.RouterRecovererMiddleware

	// Chain lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewBatchMessage           = runtimepkg.NewBatchMessage
	DecodeBatchMessage        = runtimepkg.DecodeBatchMessage
	IsUnprocessable           = runtimepkg.IsUnprocessable
	NewResponseForwarder      = runtimepkg.NewResponseForwarder
	EncodeResponse            = runtimepkg.EncodeResponse
	DecodeResponse            = runtimepkg.DecodeResponse
	NewStatsRegistry          = runtimepkg.NewStatsRegistry
	NewMetrics                = runtimepkg.NewMetrics
	NewDeadLetterMetrics      = runtimepkg.NewDeadLetterMetrics
	ErrDeadLettersUnsupported = runtimepkg.ErrDeadLettersUnsupported

	// Transport capabilities
	GetCapabilities = newtransport.GetCapabilities

	// Modular transport registry.
	// Import individual transports via: _ "github.com/drblury/chainflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrHandlerFactoryRequired  = errspkg.ErrHandlerFactoryRequired
	ErrResourceFactoryRequired = errspkg.ErrResourceFactoryRequired
	ErrUnknownOperation        = errspkg.ErrUnknownOperation
	ErrOperationRequired       = errspkg.ErrOperationRequired
	ErrConstructorRequired     = errspkg.ErrConstructorRequired
	ErrNilHandler              = errspkg.ErrNilHandler
	ErrNilResource             = errspkg.ErrNilResource
	ErrPayloadType             = errspkg.ErrPayloadType
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrTopicRequired           = errspkg.ErrTopicRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrObserverRequired        = errspkg.ErrObserverRequired
	ErrUnknownEncoding         = errspkg.ErrUnknownEncoding
	ErrProcessorClosed         = errspkg.ErrProcessorClosed
	ErrUnauthorized            = errspkg.ErrUnauthorized
	ErrMissingArgument         = errspkg.ErrMissingArgument
	ErrEmptyBatch              = errspkg.ErrEmptyBatch

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewHeaders  = metadatapkg.New
	HeadersFrom = metadatapkg.FromHTTP

	CreateULID = idspkg.CreateULID
)

// Operation name used when a request names none.
const DefaultOperation = runtimepkg.DefaultOperation

// Response encodings for Config.ResponseEncoding.
const (
	EncodingJSON      = configpkg.EncodingJSON
	EncodingProtoJSON = configpkg.EncodingProtoJSON
)

// Phases a StepError can fail in.
const (
	PhaseResolve     = runtimepkg.PhaseResolve
	PhaseSetup       = runtimepkg.PhaseSetup
	PhaseAuthorize   = runtimepkg.PhaseAuthorize
	PhaseExecute     = runtimepkg.PhaseExecute
	PhaseMaterialize = runtimepkg.PhaseMaterialize
	PhaseCancelled   = runtimepkg.PhaseCancelled
	PhasePanic       = runtimepkg.PhasePanic
)

// Metadata keys of messages published by ResponseForwarder and read by batch
// consumers.
const (
	MetadataKeyBatchID       = newtransport.MetadataBatchID
	MetadataKeyChainID       = newtransport.MetadataChainID
	MetadataKeyKind          = newtransport.MetadataKind
	MetadataKeyCorrelationID = runtimepkg.MetadataCorrelationID

	KindBatch     = runtimepkg.KindBatch
	KindResponse  = runtimepkg.KindResponse
	KindCompleted = runtimepkg.KindCompleted
	KindFailed    = runtimepkg.KindFailed
)

// RegisterFor registers ctor for operation and records T as the payload type
// it accepts.
func RegisterFor[T any](r *Registry, operation string, ctor Constructor) error {
	return runtimepkg.RegisterFor[T](r, operation, ctor)
}

// Typed builds a Constructor for handlers that expect a payload of type T.
func Typed[T, S any](run TypedFunc[T, S], opts ...HandlerOption) Constructor {
	return handlerpkg.Typed(run, opts...)
}

// Query builds a Constructor for handlers that refine a lazy collection.
func Query[T any](source SourceFunc[T], apply QueryFunc[T], opts ...HandlerOption) Constructor {
	return handlerpkg.Query(source, apply, opts...)
}

func NewLazy[T any](produce func(ctx context.Context) ([]T, error)) *Lazy[T] {
	return handlerpkg.NewLazy(produce)
}

func FromSlice[T any](items []T) *Lazy[T] {
	return handlerpkg.FromSlice(items)
}

func Arg[T any](b *BaseHandler, i int) (T, error) {
	return handlerpkg.Arg[T](b, i)
}

func ResourceAs[R any](b *BaseHandler) (R, error) {
	return handlerpkg.ResourceAs[R](b)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
