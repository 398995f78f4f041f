// Package kafka publishes findings to a Kafka topic so downstream consumers
// (alerting, ticketing, warehousing) can react to detections as they happen.
// Messages are keyed by file path, keeping all findings for one file on one
// partition and therefore in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

// Config contains the connection and topic settings for a findings publisher.
type Config struct {
	Brokers       []string
	ClientID      string
	FindingsTopic string
	SummaryTopic  string
}

// NewClient creates a sarama client configured for synchronous, fully-acked
// publishing. Findings are security-relevant; losing them silently is worse
// than slowing down the scan.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// Publisher implements the output boundary on top of a sarama SyncProducer.
type Publisher struct {
	producer      sarama.SyncProducer
	findingsTopic string
	summaryTopic  string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPublisher wires a publisher from an established client.
func NewPublisher(client sarama.Client, cfg *Config, log *logger.Logger, tracer trace.Tracer) (*Publisher, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return &Publisher{
		producer:      producer,
		findingsTopic: cfg.FindingsTopic,
		summaryTopic:  cfg.SummaryTopic,
		logger:        log.With("component", "kafka_publisher"),
		tracer:        tracer,
	}, nil
}

// findingMessage is the published wire form of one finding.
type findingMessage struct {
	FilePath   string            `json:"file_path"`
	ChunkIndex int               `json:"chunk_index"`
	Label      string            `json:"label"`
	Match      string            `json:"match"`
	Engine     string            `json:"engine"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

func (p *Publisher) WriteFinding(ctx context.Context, f detection.Finding) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish_finding",
		trace.WithAttributes(
			attribute.String("topic", p.findingsTopic),
			attribute.String("engine", f.Engine),
		))
	defer span.End()

	payload, err := json.Marshal(findingMessage{
		FilePath:   f.FilePath,
		ChunkIndex: f.ChunkIndex,
		Label:      f.Label,
		Match:      f.Match,
		Engine:     f.Engine,
		Confidence: f.Confidence,
		Metadata:   f.Metadata,
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding finding: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.findingsTopic,
		Key:   sarama.StringEncoder(f.FilePath),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publishing finding: %w", err)
	}
	return nil
}

func (p *Publisher) WriteAll(ctx context.Context, findings []detection.Finding) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish_findings_batch",
		trace.WithAttributes(
			attribute.String("topic", p.findingsTopic),
			attribute.Int("count", len(findings)),
		))
	defer span.End()

	msgs := make([]*sarama.ProducerMessage, 0, len(findings))
	for _, f := range findings {
		payload, err := json.Marshal(findingMessage{
			FilePath:   f.FilePath,
			ChunkIndex: f.ChunkIndex,
			Label:      f.Label,
			Match:      f.Match,
			Engine:     f.Engine,
			Confidence: f.Confidence,
			Metadata:   f.Metadata,
			EmittedAt:  time.Now().UTC(),
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("encoding finding: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.findingsTopic,
			Key:   sarama.StringEncoder(f.FilePath),
			Value: sarama.ByteEncoder(payload),
		})
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch publish failed")
		return fmt.Errorf("publishing findings batch: %w", err)
	}
	p.logger.Info(ctx, "published findings batch", "count", len(msgs))
	return nil
}

// summaryMessage aggregates the scan's error records into one terminal event.
type summaryMessage struct {
	Errors    map[detection.ErrorCategory]detection.ErrorRecord `json:"errors"`
	EmittedAt time.Time                                         `json:"emitted_at"`
}

func (p *Publisher) WriteErrorSummary(ctx context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error {
	if len(errs) == 0 {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "kafka.publish_error_summary",
		trace.WithAttributes(attribute.String("topic", p.summaryTopic)))
	defer span.End()

	payload, err := json.Marshal(summaryMessage{Errors: errs, EmittedAt: time.Now().UTC()})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding error summary: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.summaryTopic,
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publishing error summary: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.producer.Close() }
