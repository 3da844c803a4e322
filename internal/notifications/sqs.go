package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"tripbilling/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message attribute names set on every SQS message so consumers can filter
// without decoding the body.
const (
	attrEventType = "event_type"
	attrAlertKind = "alert_kind"
)

// SQSPublisher sends domain events to the notification queue as JSON.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSPublisher creates an SQSPublisher targeting queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish serializes the event envelope and sends it.
func (p *SQSPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sqs publisher: failed to marshal event %s: %w", event.ID, err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			attrEventType: {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalPublish,
			fmt.Sprintf("failed to send %s to %s", event.Type, p.queueURL), err)
	}

	p.logger.DebugContext(ctx, "domain event published",
		"event_id", event.ID,
		"domain_event", event.Type,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// SQSAlertNotifier pushes operator alerts onto the on-call queue.
type SQSAlertNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSAlertNotifier creates an SQSAlertNotifier targeting queueURL.
func NewSQSAlertNotifier(client SQSSender, queueURL string, logger *slog.Logger) *SQSAlertNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSAlertNotifier{client: client, queueURL: queueURL, logger: logger}
}

// Notify sends the alert.
func (n *SQSAlertNotifier) Notify(ctx context.Context, alert types.OperatorAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alert notifier: failed to marshal alert %s: %w", alert.ID, err)
	}
	_, err = n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			attrAlertKind: {DataType: aws.String("String"), StringValue: aws.String(alert.Kind)},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalPublish, "failed to send operator alert", err)
	}
	n.logger.InfoContext(ctx, "operator alert sent",
		"alert_id", alert.ID,
		"alert_kind", alert.Kind,
		"external_event_id", alert.ExternalEventID,
	)
	return nil
}
