package notifications

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tripbilling/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ types.MetricsRecorder = (*CloudWatchRecorder)(nil)

// CloudWatchRecorder emits counters to CloudWatch under types.MetricNamespace.
// Used by the reconciler, which runs where a scrape endpoint is not available.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a CloudWatchRecorder.
func NewCloudWatchRecorder(client CloudWatchClient, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordCount emits one Count datum. Failures are logged and swallowed.
func (m *CloudWatchRecorder) RecordCount(ctx context.Context, metric string, value float64, dims map[string]string) {
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	dimensions := make([]cwtypes.Dimension, 0, len(names))
	for _, name := range names {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  aws.String(name),
			Value: aws.String(dims[name]),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metric),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dimensions,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record metric",
			"metric", metric,
			"error", err.Error(),
		)
	}
}
