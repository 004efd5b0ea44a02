package main

import (
	"context"
	"log"
	"os"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/aws"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/config"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/logging"
)

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

	clients, err := aws.NewAWSClients(context.Background(), aws.Settings{
		Region:           cfg.AWS.Region,
		EndpointOverride: cfg.AWS.EndpointOverride,
	})
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	p := NewProcessor(aws.NewMetricsRecorder(clients.CloudWatch, cfg.Metrics.Namespace), logger)

	// If RUN_LOCAL=true, process a single simulated SQS message and exit.
	if cfg.HTTP.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"type":"order.created","order_id":"local-order-1","status":"pending_payment","total":28.5,"occurred_at":"2025-01-01T00:00:00Z"}`
		}
		event := lambdaevents.SQSEvent{Records: []lambdaevents.SQSMessage{{MessageId: "local-1", Body: body}}}
		if err := p.Handle(context.Background(), event); err != nil {
			logger.Fatal("local handler error", zap.Error(err))
		}
		return
	}

	lambda.Start(p.Handle)
}
