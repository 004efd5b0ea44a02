package main

import (
	"context"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/aws"
)

// Metric names emitted per order event.
const (
	MetricOrdersCreated      = "OrdersCreated"
	MetricOrderValue         = "OrderValue"
	MetricOrdersUpdated      = "OrdersUpdated"
	MetricOrderStatusChanged = "OrderStatusChanged"
)

// MetricsSink is satisfied by *aws.MetricsRecorder.
type MetricsSink interface {
	Record(ctx context.Context, metrics []aws.Metric) error
}
