// Package natspub publishes flushed trade batches on a NATS subject. Like
// the kafka driver it is a sink only: Fetch never returns data.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

// Storage publishes each flush as one JSON array message.
type Storage struct {
	logger  zerolog.Logger
	url     string
	subject string

	conn *nats.Conn
}

// New creates a NATS storage. Connect must be called before use.
func New(logger zerolog.Logger, url, subject string) *Storage {
	if subject == "" {
		subject = "aggr.trades"
	}
	return &Storage{
		logger:  logger.With().Str("component", "storage_nats").Logger(),
		url:     url,
		subject: subject,
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "nats" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatTrade }

// Connect dials the server with unlimited reconnects so a broker restart
// does not take the flush path down with it.
func (s *Storage) Connect(_ context.Context) error {
	conn, err := nats.Connect(s.url,
		nats.Name("aggr-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats at %s: %w", s.url, err)
	}

	s.conn = conn
	s.logger.Info().Str("url", s.url).Str("subject", s.subject).Msg("NATS storage connected")
	return nil
}

// Save publishes the whole batch as a single message.
func (s *Storage) Save(_ context.Context, batch []types.Trade, isExit bool) error {
	if len(batch) == 0 {
		return nil
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}
	if isExit {
		if err := s.conn.FlushTimeout(5 * time.Second); err != nil {
			return fmt.Errorf("failed to flush nats connection: %w", err)
		}
	}
	return nil
}

// Fetch implements persistence.Storage. NATS cannot serve ranged queries.
func (s *Storage) Fetch(_ context.Context, _ persistence.Query) (*persistence.Result, error) {
	return nil, nil
}

// Close drains pending publishes and closes the connection.
func (s *Storage) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
