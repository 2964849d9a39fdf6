package bootstrap

import (
	"context"
	"errors"

	"replica_server/adapter/out/mongodb"
	"replica_server/adapter/out/openai"
	"replica_server/adapter/out/persistence"
	"replica_server/adapter/out/provider"
	"replica_server/config"
	"replica_server/core/port/out"
	"replica_server/core/service/auth"
	"replica_server/core/service/finetune"
	syncservice "replica_server/core/service/sync"
	"replica_server/infra/database"
	"replica_server/internal/stream"
	"replica_server/pkg/crypto"
	"replica_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const consumerGroup = "replica-workers"

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	AccountRepo  out.AccountRepository
	IdentityRepo out.IdentityRepository
	ThreadRepo   out.ThreadRepository
	CachedRepo   out.CachedEmailRepository
	JobRepo      out.FineTuningJobRepository
	ContentStore out.ContentStore

	// Providers
	GmailProvider   *provider.GmailAdapter
	OutlookProvider *provider.OutlookAdapter
	Providers       out.ProviderRegistry

	// Messaging
	Stream      *stream.RedisStream
	Producer    *stream.Producer
	AccountLock *stream.AccountLock
	CoachLock   *stream.CoachLock

	// Services
	TokenManager   *auth.TokenManager
	ConnectService *auth.ConnectService
	SyncService    *syncservice.Service
	CacheService   *finetune.CacheService
	Orchestrator   *finetune.Orchestrator
	Trainer        out.TrainerPort
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	// Token encryption at rest
	if cfg.EncryptionKey == "" {
		return nil, nil, errors.New("ENCRYPTION_KEY must be set")
	}
	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, nil, err
	}

	// Database (pgxpool, health checks only)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the persistence adapters)
	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis connection failed, queue disabled: %v", err)
	} else {
		deps.Redis = redisClient
		cleanups = append(cleanups, func() { redisClient.Close() })

		deps.Stream = stream.NewRedisStream(redisClient, consumerGroup)
		deps.Producer = stream.NewProducer(deps.Stream)
		deps.AccountLock = stream.NewAccountLock(redisClient, cfg.SyncLockTTL)
		deps.CoachLock = stream.NewCoachLock(redisClient, cfg.SyncLockTTL)
	}

	// MongoDB content store
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			contentStore := mongodb.NewContentAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := contentStore.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("failed to ensure content store indexes: %v", err)
			}
			deps.ContentStore = contentStore
		}
	}

	// Repositories
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB, encryptor)
	deps.IdentityRepo = persistence.NewIdentityAdapter(sqlDB)
	deps.ThreadRepo = persistence.NewThreadAdapter(sqlDB)
	deps.CachedRepo = persistence.NewCachedEmailAdapter(sqlDB)
	deps.JobRepo = persistence.NewFineTuningJobAdapter(sqlDB)

	// Providers
	var adapters []out.EmailProviderPort
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		deps.GmailProvider = provider.NewGmailAdapter(&provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		adapters = append(adapters, deps.GmailProvider)
		logger.Info("Gmail provider initialized")
	}
	if cfg.MicrosoftClientID != "" && cfg.MicrosoftClientSecret != "" {
		deps.OutlookProvider = provider.NewOutlookAdapter(&provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     cfg.MicrosoftTenantID,
		})
		adapters = append(adapters, deps.OutlookProvider)
		logger.Info("Outlook provider initialized")
	}
	deps.Providers = provider.NewRegistry(adapters...)

	// Trainer
	if cfg.OpenAIAPIKey != "" {
		deps.Trainer = openai.NewTrainerAdapter(cfg.OpenAIAPIKey)
	} else {
		logger.Warn("OPENAI_API_KEY not set, fine-tuning disabled")
	}

	// Services
	deps.TokenManager = auth.NewTokenManager(deps.AccountRepo, deps.Providers)

	var producer out.MessageProducer
	if deps.Producer != nil {
		producer = deps.Producer
	}
	deps.ConnectService = auth.NewConnectService(deps.AccountRepo, deps.Providers, producer)

	deps.CacheService = finetune.NewCacheService(deps.CachedRepo, deps.ContentStore)

	reconciler := syncservice.NewReconciler(deps.IdentityRepo, deps.ThreadRepo)
	var events out.EventPublisher
	if deps.Producer != nil {
		events = deps.Producer
	}
	deps.SyncService = syncservice.NewService(
		deps.AccountRepo,
		deps.Providers,
		deps.TokenManager,
		reconciler,
		deps.ContentStore,
		deps.CacheService,
		events,
	)

	// The orchestrator needs both the trainer and the content store: datasets
	// are assembled from stored bodies and uploaded from the store.
	if deps.Trainer != nil && deps.ContentStore != nil {
		builder := finetune.NewDatasetBuilder(deps.ContentStore)
		deps.Orchestrator = finetune.NewOrchestrator(
			deps.IdentityRepo,
			deps.CachedRepo,
			deps.JobRepo,
			deps.ContentStore,
			builder,
			deps.Trainer,
			cfg.BaseModel,
		).WithThresholds(cfg.FineTuneMinEmails, cfg.FineTuneMaxPerJob)
		var checkLock out.CoachCheckLock
		if deps.CoachLock != nil {
			checkLock = deps.CoachLock
		}
		deps.Orchestrator.WithCheckLock(checkLock)
	} else if deps.Trainer != nil {
		logger.Warn("content store unavailable, fine-tuning orchestrator disabled")
	}

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}

	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	return nil
}
