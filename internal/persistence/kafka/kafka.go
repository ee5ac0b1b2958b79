// Package kafka streams flushed trade batches to a Kafka topic. It is a sink
// only driver: historical queries are never answered from it.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

// Storage produces one record per trade, keyed by market so downstream
// consumers keep per-market ordering.
type Storage struct {
	logger  zerolog.Logger
	brokers []string
	topic   string

	client *kgo.Client
}

// New creates a kafka storage. Connect must be called before use.
func New(logger zerolog.Logger, brokers []string, topic string) *Storage {
	if topic == "" {
		topic = "aggr.trades"
	}
	return &Storage{
		logger:  logger.With().Str("component", "storage_kafka").Logger(),
		brokers: brokers,
		topic:   topic,
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "kafka" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatTrade }

// Connect builds the producer client and verifies broker reachability.
func (s *Storage) Connect(ctx context.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.DefaultProduceTopic(s.topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordRetries(3),
		kgo.RequestTimeoutOverhead(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	s.client = client
	s.logger.Info().Strs("brokers", s.brokers).Str("topic", s.topic).Msg("Kafka storage connected")
	return nil
}

// Save produces the batch synchronously so flush errors surface to the
// scheduler and the exit flush cannot lose records.
func (s *Storage) Save(ctx context.Context, batch []types.Trade, isExit bool) error {
	if len(batch) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(batch))
	for _, t := range batch {
		data, err := t.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode trade: %w", err)
		}
		records = append(records, &kgo.Record{
			Key:   []byte(t.PairKey()),
			Value: data,
		})
	}

	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce batch: %w", err)
	}
	if isExit {
		if err := s.client.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush producer: %w", err)
		}
	}
	return nil
}

// Fetch implements persistence.Storage. Kafka cannot serve ranged queries.
func (s *Storage) Fetch(_ context.Context, _ persistence.Query) (*persistence.Result, error) {
	return nil, nil
}

// Close flushes and releases the producer.
func (s *Storage) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
