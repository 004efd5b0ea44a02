package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/auth"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/aws"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/config"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/events"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/handlers"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/lifecycle"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/logging"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orderflow"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
)

func setupRouter(logger *zap.Logger, cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

// backend is the wired persistence layer.
type backend struct {
	orders      orders.Repository
	transactor  orderflow.Transactor
	idempotency orderflow.IdempotencyStore
	events      events.Publisher
	close       func()
}

func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{close: func() {}}

	var clients *aws.AWSClients
	awsClients := func() (*aws.AWSClients, error) {
		if clients != nil {
			return clients, nil
		}
		c, err := aws.NewAWSClients(ctx, aws.Settings{Region: cfg.AWS.Region, EndpointOverride: cfg.AWS.EndpointOverride})
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		clients = c
		return clients, nil
	}

	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		c, err := awsClients()
		if err != nil {
			return nil, err
		}
		store := orders.NewStore(c.DynamoDB, cfg.Store.OrdersTable)
		b.orders, b.transactor = store, store
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := orders.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		b.orders = orders.NewPostgresStore(pool)
		b.close = pool.Close
	default:
		b.orders = orders.NewMemoryStore()
	}

	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		b.orders = orders.NewCachedStore(b.orders, rdb,
			orders.WithCacheTTL(cfg.Cache.TTL),
			orders.WithCacheLogger(logger),
		)
		prev := b.close
		b.close = func() { _ = rdb.Close(); prev() }
	}

	if cfg.Idempotency.Table != "" {
		c, err := awsClients()
		if err != nil {
			return nil, err
		}
		b.idempotency = idempotency.NewStore(c.DynamoDB, cfg.Idempotency.Table, cfg.Idempotency.TTL)
	} else {
		b.idempotency = idempotency.NewMemoryStore(cfg.Idempotency.TTL)
		b.transactor = nil
	}

	b.events = events.Nop{}
	if cfg.Store.QueueURL != "" {
		c, err := awsClients()
		if err != nil {
			return nil, err
		}
		b.events = events.NewSQSPublisher(aws.NewPublisher(c.SQS, cfg.Store.QueueURL))
	}
	return b, nil
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	b, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init backend", zap.Error(err))
	}
	defer b.close()

	svc, err := orderflow.New(orderflow.Deps{
		Orders:      b.orders,
		Transactor:  b.transactor,
		Lifecycle:   lifecycle.New(lifecycle.Options{Strict: cfg.Orders.StrictTransitions}),
		Events:      b.events,
		Idempotency: b.idempotency,
		Logger:      logger,
		Pagination: orderflow.Pagination{
			DefaultLimit: cfg.Orders.DefaultPageSize,
			MaxLimit:     cfg.Orders.MaxPageSize,
		},
	})
	if err != nil {
		logger.Fatal("failed to build order service", zap.Error(err))
	}

	verifierOpts := []auth.Option{}
	if cfg.Auth.JWTIssuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.Auth.JWTIssuer))
	}
	r := setupRouter(logger, handlers.HandlerConfig{
		Service:  svc,
		Verifier: auth.NewVerifier(cfg.Auth.JWTSecret, verifierOpts...),
	})
	logger.Info("order api configured",
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("cache", cfg.Cache.RedisURL != ""),
		zap.Bool("strict_transitions", cfg.Orders.StrictTransitions),
	)

	// if RUN_LOCAL is true, run local HTTP server for development.
	if cfg.HTTP.RunLocal {
		logger.Info("running local server", zap.String("addr", cfg.HTTP.Addr))
		if err := r.Run(cfg.HTTP.Addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req lambdaevents.APIGatewayProxyRequest) (lambdaevents.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
