package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/client"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/delivery"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/events"
	"otp-auth-service/internal/handler"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/otp"
	"otp-auth-service/internal/repository/memory"
	"otp-auth-service/internal/repository/postgres"
	rediscache "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/tls"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
	"otp-auth-service/internal/worker"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	postgresClient   *client.PostgresClient
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Stores and collaborators
	otpStore    model.OTPStore
	identity    model.IdentityStore
	sessions    model.SessionStore
	gateway     model.DeliveryGateway
	tokens      model.TokenIssuer
	dispatcher  *events.Dispatcher
	rateLimiter *rediscache.RateLimitCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		util.Warn("Configuration warnings", util.ErrorField(err))
	}

	if err := util.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Version, cfg.Sentry.SampleRate); err != nil {
		util.Warn("Sentry initialization failed", util.ErrorField(err))
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := factory.initializeStores(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := factory.initializeCollaborators(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize collaborators: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("otp_store", cfg.Backends.OTPStore),
		util.String("identity", cfg.Backends.Identity),
		util.String("token_strategy", cfg.Token.Strategy),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Int("event_sinks", factory.dispatcher.Sinks()),
	)

	return factory, nil
}

// initializeClients initializes the external service clients the selected
// backends need. Failures are fatal in production and warnings otherwise.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	if f.config.UsesPostgres() {
		if c, err := client.NewPostgresClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("postgres: %w", err))
		} else {
			f.postgresClient = c
			util.Info("PostgreSQL client initialized and healthy")
		}
	}

	if f.config.UsesRedis() {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	if f.config.UsesScylla() {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config.Hashing)
	if err != nil {
		return err
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager, err = encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	if err != nil {
		return err
	}
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	util.Info("Managers initialized successfully",
		util.Int("current_pepper", f.config.Hashing.CurrentPepper),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
		util.Int("user_buckets", f.bucketingManager.UserBuckets()),
	)
	return nil
}

// initializeStores picks the OTP, identity and session backends. Outside
// production a backend whose client failed falls back to memory.
func (f *Factory) initializeStores(ctx context.Context) error {
	b := f.config.Backends

	switch {
	case b.OTPStore == "postgres" && f.postgresClient != nil:
		repo := postgres.NewOTPRepository(f.postgresClient.Pool(), f.config.Postgres.OTPTable)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		f.otpStore = repo
	case b.OTPStore == "redis" && f.redisClient != nil:
		f.otpStore = rediscache.NewOTPCache(f.redisClient, f.config.OTP.RetentionGrace)
	case b.OTPStore == "scylla" && f.scyllaClient != nil:
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return err
		}
		f.otpStore = scylla.NewOTPRepository(f.scyllaClient)
	default:
		if err := f.fallback("otp store", b.OTPStore); err != nil {
			return err
		}
		f.otpStore = memory.NewOTPStore()
	}

	switch {
	case b.Identity == "postgres" && f.postgresClient != nil:
		f.identity = postgres.NewUserRepository(f.postgresClient.Pool(), f.config.Postgres.UsersTable)
	case b.Identity == "scylla" && f.scyllaClient != nil:
		f.identity = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
	default:
		if err := f.fallback("identity store", b.Identity); err != nil {
			return err
		}
		identity, err := f.memoryIdentity()
		if err != nil {
			return err
		}
		f.identity = identity
	}

	if f.config.Token.Strategy != "session" {
		return nil
	}
	switch {
	case b.Sessions == "postgres" && f.postgresClient != nil:
		repo := postgres.NewSessionRepository(f.postgresClient.Pool(), f.config.Postgres.SessionsTable)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		f.sessions = repo
	case b.Sessions == "redis" && f.redisClient != nil:
		f.sessions = rediscache.NewSessionCache(f.redisClient)
	case b.Sessions == "scylla" && f.scyllaClient != nil:
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return err
		}
		f.sessions = scylla.NewSessionRepository(f.scyllaClient)
	default:
		if err := f.fallback("session store", b.Sessions); err != nil {
			return err
		}
		f.sessions = memory.NewSessionStore()
	}
	return nil
}

func (f *Factory) fallback(what, backend string) error {
	if backend == "memory" {
		return nil
	}
	if f.config.IsProduction() {
		return fmt.Errorf("%s backend %q is unavailable", what, backend)
	}
	util.Warn("Backend unavailable, using in-memory store",
		util.String("store", what),
		util.String("backend", backend))
	return nil
}

func (f *Factory) memoryIdentity() (*memory.IdentityStore, error) {
	if path := f.config.Backends.IdentitySeedFile; path != "" {
		return memory.LoadIdentityStore(path)
	}
	util.Warn("In-memory identity store has no seed file; every lookup will miss")
	return memory.NewIdentityStore(), nil
}

func (f *Factory) initializeCollaborators(ctx context.Context) error {
	switch f.config.SMS.Provider {
	case "twilio":
		gateway, err := delivery.NewTwilioGateway(f.config.SMS)
		if err != nil {
			return err
		}
		f.gateway = gateway
	default:
		f.gateway = delivery.NewLogGateway()
	}

	tokens, err := token.New(f.config.Token, f.sessions)
	if err != nil {
		return err
	}
	f.tokens = tokens

	var sinks []events.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.kafkaProducer.Topic(), f.bucketingManager))
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewAuditSink(f.esClient, f.esClient.IndexPrefix(), f.encryptionManager))
	}
	if f.clickhouseClient != nil {
		if err := events.EnsureAnalyticsSchema(ctx, f.clickhouseClient, f.clickhouseClient.Table()); err != nil {
			util.Warn("ClickHouse schema setup failed - analytics disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, events.NewAnalyticsSink(f.clickhouseClient, f.clickhouseClient.Table(),
				f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval, f.bucketingManager))
		}
	}
	f.dispatcher = events.NewDispatcher(2*time.Second, sinks...)

	if f.config.RateLimit.Enabled && f.redisClient != nil {
		f.rateLimiter = rediscache.NewRateLimitCache(f.redisClient, f.config.RateLimit.Requests, f.config.RateLimit.Window)
	}
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(service.Deps{
			Store:           f.otpStore,
			Identity:        f.identity,
			Gateway:         f.gateway,
			Tokens:          f.tokens,
			Events:          f.dispatcher,
			Generator:       otp.NewGenerator(f.hasher, otp.SystemClock{}),
			Config:          f.config.OTP,
			MessageTemplate: f.config.SMS.MessageTemplate,
		}, util.Get())
	}
	return f.serviceFactory
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() (http.Handler, error) {
	svc, err := f.ServiceFactory().OTPService()
	if err != nil {
		return nil, err
	}
	var limiter handler.RateLimiter
	if f.rateLimiter != nil {
		limiter = f.rateLimiter
	}
	otpHandler := handler.NewOTPHandler(svc, limiter, f.config.Version, util.Get())
	return handler.NewRouter(otpHandler, handler.RouterOptions{
		RequireHTTPS:   f.config.Server.EnableTLS,
		AllowedOrigins: f.config.Server.CORSOrigins,
		Health:         f.HealthCheck,
	}, util.Get()), nil
}

// CleanupWorker returns the scheduled sweeper, or nil when cleanup is disabled.
func (f *Factory) CleanupWorker() (*worker.CleanupWorker, error) {
	if !f.config.Cleanup.Enabled {
		return nil, nil
	}
	var sessions worker.SessionCleaner
	if f.sessions != nil {
		sessions = f.sessions
	}
	return worker.NewCleanupWorker(f.config.Cleanup, f.otpStore, sessions)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.postgresClient != nil {
		health["postgres"] = f.postgresClient.HealthCheck(ctx)
	}
	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	if f.otpStore == nil {
		health["otp_store"] = errors.New("otp store not initialized")
	}
	if f.identity == nil {
		health["identity"] = errors.New("identity store not initialized")
	}

	return health
}

// IsHealthy ignores the optional event sinks.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "kafka", "elasticsearch", "clickhouse":
			continue
		}
		if err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Flush buffered events before their clients go away.
		if f.dispatcher != nil {
			if err := f.dispatcher.Close(); err != nil {
				util.Error("Failed to flush event sinks", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.postgresClient != nil {
			f.postgresClient.Close()
			util.Info("PostgreSQL pool closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.FlushSentry(2 * time.Second)
		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
