package main

import (
	"context"
	"fmt"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/aws"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/events"
)

// Processor turns order events from the queue into CloudWatch metrics.
type Processor struct {
	metrics MetricsSink
	logger  *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(metrics MetricsSink, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{metrics: metrics, logger: logger}
}

// Handle receives an SQS batch event and processes each message. Any
// malformed body fails the whole batch so SQS redrives it to the DLQ.
func (p *Processor) Handle(ctx context.Context, ev lambdaevents.SQSEvent) error {
	var batch []aws.Metric
	for _, rec := range ev.Records {
		orderEvent, err := events.Decode(rec.Body)
		if err != nil {
			p.logger.Error("invalid message body", zap.String("message_id", rec.MessageId), zap.Error(err))
			return fmt.Errorf("message %s: %w", rec.MessageId, err)
		}
		p.logger.Info("order event received",
			zap.String("message_id", rec.MessageId),
			zap.String("event_type", orderEvent.Type),
			zap.String("order_id", orderEvent.OrderID),
			zap.String("status", string(orderEvent.Status)),
		)
		batch = append(batch, metricsFor(orderEvent)...)
	}
	if err := p.metrics.Record(ctx, batch); err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	p.logger.Info("batch processed", zap.Int("messages", len(ev.Records)), zap.Int("metrics", len(batch)))
	return nil
}

func metricsFor(ev events.Event) []aws.Metric {
	switch ev.Type {
	case events.TypeOrderCreated:
		return []aws.Metric{
			{Name: MetricOrdersCreated, Value: 1, Unit: cwtypes.StandardUnitCount, Timestamp: ev.OccurredAt},
			{Name: MetricOrderValue, Value: ev.Total, Unit: cwtypes.StandardUnitNone, Timestamp: ev.OccurredAt},
		}
	case events.TypeOrderUpdated:
		return []aws.Metric{
			{Name: MetricOrdersUpdated, Value: 1, Unit: cwtypes.StandardUnitCount, Timestamp: ev.OccurredAt},
		}
	case events.TypeOrderStatusChanged:
		return []aws.Metric{{
			Name:       MetricOrderStatusChanged,
			Value:      1,
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: map[string]string{"Status": string(ev.Status)},
			Timestamp:  ev.OccurredAt,
		}}
	}
	return nil
}
