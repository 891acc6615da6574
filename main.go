package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-lookup/internal/auth"
	"github.com/example/face-lookup/internal/cache"
	"github.com/example/face-lookup/internal/config"
	"github.com/example/face-lookup/internal/facematch"
	"github.com/example/face-lookup/internal/handlers"
	"github.com/example/face-lookup/internal/identity"
	"github.com/example/face-lookup/internal/imagenormalizer"
	"github.com/example/face-lookup/internal/logging"
	"github.com/example/face-lookup/internal/repository"
	"github.com/example/face-lookup/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Fatal("failed to load aws configuration", zap.Error(err))
	}

	rekognitionClient := rekognition.NewFromConfig(awsCfg, func(o *rekognition.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	matcher := facematch.NewRekognitionClient(rekognitionClient, facematch.RekognitionOptions{
		CollectionID:       cfg.Rekognition.CollectionID,
		FaceMatchThreshold: cfg.Rekognition.FaceMatchThreshold,
		MaxFaces:           cfg.Rekognition.MaxFaces,
	}, logger)

	var resolver identity.Resolver = identity.NewDynamoResolver(dynamoClient, identity.DynamoOptions{
		TableName:     cfg.Identity.TableName,
		KeyAttribute:  cfg.Identity.KeyAttribute,
		NameAttribute: cfg.Identity.NameAttribute,
	}, logger)

	var resultCache cache.Cache
	if cfg.Storage.RedisAddr != "" {
		redisClient := initRedis(ctx, cfg.Storage.RedisAddr, logger)
		defer redisClient.Close()
		redisCache := cache.NewRedisCache(redisClient, "face-lookup:")
		resultCache = redisCache
		resolver = identity.NewCachingResolver(resolver, redisCache, cfg.Identity.CacheTTL, logger)
	} else {
		logger.Info("REDIS_ADDR not set, caching disabled")
	}

	var repo usecase.LookupRepository
	if cfg.Storage.DatabaseDSN != "" {
		lookupRepo := repository.NewLookupRepository(initDatabase(ctx, cfg.Storage.DatabaseDSN, logger), logger)
		if err := lookupRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = lookupRepo
	} else {
		logger.Info("DATABASE_DSN not set, lookup audit log disabled")
	}

	uc := usecase.NewLookupUseCase(imagenormalizer.New(), matcher, resolver, repo, resultCache, usecase.Options{
		ResolveConcurrency: cfg.Identity.Concurrency,
		ResultTTL:          cfg.Storage.ResultCacheTTL,
	}, logger)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(uc, cfg.API, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face lookup listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("region", cfg.AWS.Region),
		zap.String("collection_id", cfg.Rekognition.CollectionID),
		zap.String("identity_table", cfg.Identity.TableName),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newRouter registers the lookup routes; the JSON API is only served when a JWT secret is configured.
func newRouter(svc handlers.LookupService, apiCfg config.APIConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	routeOpts := handlers.RouteOptions{
		CORSAllowedOrigins: apiCfg.CORSAllowedOrigins,
		RateLimitPerSecond: apiCfg.RateLimitPerSecond,
		TrustProxy:         apiCfg.RateLimitTrustProxy,
		Logger:             logger,
	}
	if apiCfg.JWTSecret != "" {
		routeOpts.APIAuth = auth.RequireOperator(apiCfg.JWTSecret, apiCfg.JWTAudience)
	} else {
		logger.Info("JWT_SECRET not set, JSON API disabled")
	}
	handlers.RegisterRoutes(r, svc, routeOpts)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a shutdown signal arrives.
// listener and signalCh are injectable for tests; nil means ListenAndServe and SIGINT/SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
