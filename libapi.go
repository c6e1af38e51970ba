package transit

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/transit/internal/runtime"
	configpkg "github.com/drblury/transit/internal/runtime/config"
	errspkg "github.com/drblury/transit/internal/runtime/errors"
	idspkg "github.com/drblury/transit/internal/runtime/ids"
	"github.com/drblury/transit/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/internal/runtime/persistence/redisstore"
	"github.com/drblury/transit/internal/runtime/persistence/sqlstore"
	"github.com/drblury/transit/transport"
)

// Bus and configuration.
type (
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	Config          = configpkg.Config
	OutboxConfig    = configpkg.OutboxConfig
	SchedulerConfig = configpkg.SchedulerConfig
	InboxConfig     = configpkg.InboxConfig
	SagaConfig      = configpkg.SagaConfig
	SendOption      = runtimepkg.SendOption
	Metrics         = runtimepkg.Metrics
	EndpointInfo    = runtimepkg.EndpointInfo
	ConsumerInfo    = runtimepkg.ConsumerInfo
)

// Consumers and request/response.
type (
	ConsumerRegistration   = runtimepkg.ConsumerRegistration
	ConsumerHandler[M any] = runtimepkg.ConsumerHandler[M]
	ConsumeContext[M any]  = runtimepkg.ConsumeContext[M]
	MessageContext         = messages.Context
	Correlated             = messages.Correlated
	Named                  = messages.Named
	Serializer             = messages.Serializer
	Serializers            = messages.Serializers
	TypeRegistry           = messages.TypeRegistry
	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig
	JobContext             = runtimepkg.JobContext
	JobHooks               = runtimepkg.JobHooks
	Metadata               = metadata.Metadata
	LogFields              = loggingpkg.LogFields
	ServiceLogger          = loggingpkg.ServiceLogger
	Address                = transport.Address
	Endpoint               = transport.Endpoint
	Envelope               = transport.Message
	Handler                = transport.Handler
	Host                   = transport.Host
	HostProvider           = transport.HostProvider
	TransportRegistry      = transport.Registry
	TransportSettings      = transport.Settings
)

// Reliability: outbox, inbox and scheduler.
type (
	Outbox                          = runtimepkg.Outbox
	OutboxProcessor                 = runtimepkg.OutboxProcessor
	OutboxProcessorConfig           = runtimepkg.OutboxProcessorConfig
	Inbox                           = runtimepkg.Inbox
	InboxOptions                    = runtimepkg.InboxConfig
	Scheduler                       = runtimepkg.Scheduler
	ScheduledMessageProcessor       = runtimepkg.ScheduledMessageProcessor
	ScheduledMessageProcessorConfig = runtimepkg.ScheduledMessageProcessorConfig
	Dispatcher                      = runtimepkg.Dispatcher
)

// Sagas.
type (
	SagaEngine            = runtimepkg.SagaEngine
	SagaRegistration      = runtimepkg.SagaRegistration
	SagaHandler[S, M any] = runtimepkg.SagaHandler[S, M]
	SagaContext[S, M any] = runtimepkg.SagaContext[S, M]
	SagaStep[S any]       = runtimepkg.SagaStep[S]
	SagaStatus            = runtimepkg.SagaStatus
)

// Stores.
type (
	OutboxMessage               = persistence.OutboxMessage
	InboxState                  = persistence.InboxState
	ScheduledMessage            = persistence.ScheduledMessage
	SagaRecord                  = persistence.SagaRecord
	OutboxStore                 = persistence.OutboxStore
	InboxStore                  = persistence.InboxStore
	ScheduledMessageStore       = persistence.ScheduledMessageStore
	SagaStore                   = persistence.SagaStore
	MemoryOutboxStore           = persistence.MemoryOutboxStore
	MemoryInboxStore            = persistence.MemoryInboxStore
	MemoryScheduledMessageStore = persistence.MemoryScheduledMessageStore
	MemorySagaStore             = persistence.MemorySagaStore
	SQLStore                    = sqlstore.Store
	SQLStoreConfig              = sqlstore.Config
	SQLDialect                  = sqlstore.Dialect
	SQLExecutor                 = sqlstore.Executor
	RedisInboxStore             = redisstore.InboxStore
	RedisInboxConfig            = redisstore.Config
)

// Errors.
type (
	RequestTimeoutError   = errspkg.RequestTimeoutError
	PublishFailure        = errspkg.PublishFailure
	SagaHandlerError      = errspkg.SagaHandlerError
	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	SagaRunning      = runtimepkg.SagaRunning
	SagaCompleted    = runtimepkg.SagaCompleted
	SagaCompensating = runtimepkg.SagaCompensating
	SagaCompensated  = runtimepkg.SagaCompensated
	SagaFailed       = runtimepkg.SagaFailed

	SQLDialectPostgres = sqlstore.Postgres
	SQLDialectSQLite   = sqlstore.SQLite

	ContentTypeJSON     = messages.ContentTypeJSON
	ContentTypeProtobuf = messages.ContentTypeProtobuf

	MetadataKeyScheduledToken   = metadata.KeyScheduledToken
	MetadataKeyDeadLetterReason = metadata.KeyDeadLetterReason
)

var (
	NewBus         = runtimepkg.NewBus
	ValidateConfig = configpkg.ValidateConfig
	NewMetrics     = runtimepkg.NewMetrics

	WithMessageID       = runtimepkg.WithMessageID
	WithMessageType     = runtimepkg.WithMessageType
	WithCorrelationID   = runtimepkg.WithCorrelationID
	WithConversationID  = runtimepkg.WithConversationID
	WithResponseAddress = runtimepkg.WithResponseAddress
	WithContentType     = runtimepkg.WithContentType
	WithHeader          = runtimepkg.WithHeader
	WithHeaders         = runtimepkg.WithHeaders

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	FromWatermillMiddleware = runtimepkg.FromWatermillMiddleware
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewInbox                     = runtimepkg.NewInbox
	NewOutboxProcessor           = runtimepkg.NewOutboxProcessor
	NewScheduledMessageProcessor = runtimepkg.NewScheduledMessageProcessor
	NewSagaEngine                = runtimepkg.NewSagaEngine

	NewMemoryOutboxStore           = persistence.NewMemoryOutboxStore
	NewMemoryInboxStore            = persistence.NewMemoryInboxStore
	NewMemoryScheduledMessageStore = persistence.NewMemoryScheduledMessageStore
	NewMemorySagaStore             = persistence.NewMemorySagaStore
	OpenSQLStore                   = sqlstore.Open
	NewSQLStore                    = sqlstore.New
	NewRedisInboxStore             = redisstore.New

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewMetadata               = metadata.New

	TypeName        = messages.TypeName
	NewSerializers  = messages.NewSerializers
	NewTypeRegistry = messages.NewTypeRegistry
	ParseAddress    = transport.ParseAddress
	CreateULID      = idspkg.CreateULID

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	NewHostProvider          = transport.NewHostProvider

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

var (
	ErrBusRequired             = errspkg.ErrBusRequired
	ErrHandlerRequired         = errspkg.ErrHandlerRequired
	ErrMessageRequired         = errspkg.ErrMessageRequired
	ErrAddressRequired         = errspkg.ErrAddressRequired
	ErrMessageTypeRequired     = errspkg.ErrMessageTypeRequired
	ErrEndpointRequired        = errspkg.ErrEndpointRequired
	ErrCorrelationIDRequired   = errspkg.ErrCorrelationIDRequired
	ErrStoreRequired           = errspkg.ErrStoreRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrHandlerAlreadyExists    = errspkg.ErrHandlerAlreadyExists
	ErrUnknownMessageType      = errspkg.ErrUnknownMessageType
	ErrBusStopped              = errspkg.ErrBusStopped
	ErrNoResponseAddress       = errspkg.ErrNoResponseAddress
	ErrScheduledTokenNotFound  = errspkg.ErrScheduledTokenNotFound
	ErrSagaStateNotFound       = errspkg.ErrSagaStateNotFound
	ErrRequestTimeout          = errspkg.ErrRequestTimeout
	ErrConcurrencyConflict     = errspkg.ErrConcurrencyConflict
	ErrDuplicateDelivery       = errspkg.ErrDuplicateDelivery
	ErrDeadLetterAddressNotSet = errspkg.ErrDeadLetterAddressNotSet
)

// RegisterConsumer binds handler to the endpoint described by reg.
func RegisterConsumer[M any](b *Bus, reg ConsumerRegistration, handler ConsumerHandler[M]) error {
	return runtimepkg.RegisterConsumer(b, reg, handler)
}

// Request sends req to address and waits up to timeout for a TRes reply.
// A zero timeout uses the bus default.
func Request[TRes, TReq any](ctx context.Context, b *Bus, address string, req TReq, timeout time.Duration, opts ...SendOption) (TRes, error) {
	return runtimepkg.Request[TRes](ctx, b, address, req, timeout, opts...)
}

// RegisterSaga binds a saga handler for state S and message M to the bus saga engine.
func RegisterSaga[S, M any](b *Bus, reg SagaRegistration, handler SagaHandler[S, M]) error {
	if b == nil {
		return ErrBusRequired
	}
	return runtimepkg.RegisterSaga(b.Sagas(), reg, handler)
}

// RegisterType records T in the bus type registry under its default name.
func RegisterType[T any](b *Bus) (string, error) {
	if b == nil {
		return "", ErrBusRequired
	}
	return messages.RegisterType[T](b.Types())
}

// RegisterTypeAs records T in the bus type registry under name.
func RegisterTypeAs[T any](b *Bus, name string) error {
	if b == nil {
		return ErrBusRequired
	}
	return messages.RegisterTypeAs[T](b.Types(), name)
}
