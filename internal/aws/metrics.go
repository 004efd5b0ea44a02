package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxMetricDatums is the PutMetricData batch limit.
const maxMetricDatums = 1000

// Metric is one data point to record.
type Metric struct {
	Name       string
	Value      float64
	Unit       cwtypes.StandardUnit
	Dimensions map[string]string
	Timestamp  time.Time
}

// MetricsRecorder writes metrics to a CloudWatch namespace.
type MetricsRecorder struct {
	CloudWatch CloudWatchAPI
	Namespace  string
}

// NewMetricsRecorder returns a recorder bound to namespace.
func NewMetricsRecorder(cw CloudWatchAPI, namespace string) *MetricsRecorder {
	return &MetricsRecorder{CloudWatch: cw, Namespace: namespace}
}

// Record sends metrics in batches. An empty slice is a no-op.
func (r *MetricsRecorder) Record(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	data := make([]cwtypes.MetricDatum, 0, len(metrics))
	for _, m := range metrics {
		unit := m.Unit
		if unit == "" {
			unit = cwtypes.StandardUnitCount
		}
		datum := cwtypes.MetricDatum{
			MetricName: sdkaws.String(m.Name),
			Value:      sdkaws.Float64(m.Value),
			Unit:       unit,
		}
		if !m.Timestamp.IsZero() {
			datum.Timestamp = sdkaws.Time(m.Timestamp)
		}
		for name, value := range m.Dimensions {
			datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
				Name:  sdkaws.String(name),
				Value: sdkaws.String(value),
			})
		}
		data = append(data, datum)
	}

	for start := 0; start < len(data); start += maxMetricDatums {
		end := start + maxMetricDatums
		if end > len(data) {
			end = len(data)
		}
		_, err := r.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  sdkaws.String(r.Namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}
	return nil
}
