package persistence

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/adred-codev/aggr/internal/types"
)

// BreakerManager keeps one circuit breaker per storage name so a flapping
// backend stops eating save latency while the others keep flushing.
type BreakerManager struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerManager creates an empty manager.
func NewBreakerManager(logger zerolog.Logger) *BreakerManager {
	return &BreakerManager{
		logger:   logger.With().Str("component", "storage_breaker").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *BreakerManager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn().
				Str("storage", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("storage breaker state change")
		},
	})
	m.breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker.
func (m *BreakerManager) Execute(name string, fn func() error) error {
	_, err := m.breaker(name).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// WithBreaker decorates a storage so Save and Fetch run under the manager's
// breaker for that storage name. Connect is deliberately direct: startup
// should see the real error.
func WithBreaker(s Storage, m *BreakerManager) Storage {
	return &breakerStorage{inner: s, manager: m}
}

type breakerStorage struct {
	inner   Storage
	manager *BreakerManager
}

func (b *breakerStorage) Name() string   { return b.inner.Name() }
func (b *breakerStorage) Format() Format { return b.inner.Format() }

func (b *breakerStorage) Connect(ctx context.Context) error {
	return b.inner.Connect(ctx)
}

func (b *breakerStorage) Save(ctx context.Context, batch []types.Trade, isExit bool) error {
	return b.manager.Execute(b.inner.Name(), func() error {
		return b.inner.Save(ctx, batch, isExit)
	})
}

func (b *breakerStorage) Fetch(ctx context.Context, q Query) (*Result, error) {
	out, err := b.manager.breaker(b.inner.Name()).Execute(func() (any, error) {
		return b.inner.Fetch(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*Result)
	return res, nil
}

// Close passes through to the wrapped driver when it holds resources.
func (b *breakerStorage) Close() error {
	if closer, ok := b.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
