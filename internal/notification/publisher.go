package notification

import (
	"context"
	"fmt"

	"github.com/gatti/awsperf/internal/platform/aws"
	"github.com/gatti/awsperf/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
)

// ReportPublisher delivers run reports. Satisfied by Publisher and
// NoOpPublisher.
type ReportPublisher interface {
	PublishReport(ctx context.Context, report *Report) error
}

// Publisher publishes run reports to SNS
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	logger    *observability.Logger
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Logger    *observability.Logger
	Tracer    observability.Tracer
}

// NewPublisher creates a new run report publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}, nil
}

// PublishReport publishes a run report to SNS. Message attributes carry the
// health flag and failure counts so subscriptions can filter on them.
func (p *Publisher) PublishReport(ctx context.Context, report *Report) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.PublishReport",
		attribute.String("run_id", report.RunID),
		attribute.Bool("healthy", report.Healthy()),
		attribute.String("topic_arn", p.topicARN),
	)
	defer span.End()

	attributes := map[string]string{
		"runId":    report.RunID,
		"healthy":  fmt.Sprintf("%t", report.Healthy()),
		"failed":   fmt.Sprintf("%d", report.Failed),
		"timedOut": fmt.Sprintf("%d", report.TimedOut),
		"killed":   fmt.Sprintf("%d", report.Killed),
	}

	err := p.snsClient.Publish(ctx, p.topicARN, report, attributes)
	if err != nil {
		span.NoticeError(err)
		if p.logger != nil {
			p.logger.LogError(ctx, "failed to publish run report", err,
				"run_id", report.RunID,
				"topic_arn", p.topicARN,
			)
		}
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	if p.logger != nil {
		p.logger.Info("published run report",
			"run_id", report.RunID,
			"healthy", report.Healthy(),
			"total_jobs", report.TotalJobs,
			"topic_arn", p.topicARN,
		)
	}

	return nil
}

// CircuitBreakerState returns the current circuit breaker state
func (p *Publisher) CircuitBreakerState() string {
	return p.snsClient.CircuitBreakerState().String()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (p *Publisher) ResetCircuitBreaker() {
	p.snsClient.ResetCircuitBreaker()
}
