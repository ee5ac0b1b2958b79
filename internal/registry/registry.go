// Package registry tracks live (exchange, pair) feeds and the upstream API
// connections that carry them. Entries exist exactly between an adapter's
// connected and disconnected events; per-feed counters drive the activity
// monitor's stall detection.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/types"
)

var (
	// ErrAlreadyRegistered is returned when a connected event arrives for a
	// feed that already has an entry. Treated as an upstream bug.
	ErrAlreadyRegistered = errors.New("feed already registered")

	// ErrNotRegistered is returned when a disconnected event arrives for a
	// feed without an entry.
	ErrNotRegistered = errors.New("feed not registered")
)

// Entry is the live-feed record for one (exchange, pair) subscription.
type Entry struct {
	APIID     string
	Exchange  string
	Pair      string
	Hit       int64 // trades observed since registration
	Start     int64 // ms at registration
	Timestamp int64 // ms of last observed trade
}

// Product aggregates which exchanges offer a pair symbol. Populated from
// adapter index events; append-only for the process lifetime.
type Product struct {
	Value     string
	Count     int
	Exchanges []string
}

// APISnapshot is the per-API view handed to the activity monitor.
// Parallel slices share indexes: Pairs[i] produced Hits[i] trades, last seen
// at Timestamps[i], registered at Starts[i].
type APISnapshot struct {
	APIID      string
	Exchange   string
	Pairs      []string
	Hits       []int64
	Timestamps []int64
	Starts     []int64
}

// Registry is the single owner of the live connections table. Lifecycle
// events mutate it; everything else reads snapshots.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	products map[string]*Product
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		entries:  make(map[string]*Entry),
		products: make(map[string]*Product),
	}
}

// Register adds a feed entry on an adapter connected event.
// Refuses (and logs) when the key is already present.
func (r *Registry) Register(exchange, pair, apiID string, now int64) error {
	key := types.PairKey(exchange, pair)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		r.logger.Warn().
			Str("pair", key).
			Str("api", apiID).
			Msg("connected event for already-registered feed")
		return ErrAlreadyRegistered
	}

	r.entries[key] = &Entry{
		APIID:     apiID,
		Exchange:  exchange,
		Pair:      pair,
		Start:     now,
		Timestamp: now,
	}
	monitoring.FeedsActive.Set(float64(len(r.entries)))

	r.logger.Debug().
		Str("pair", key).
		Str("api", apiID).
		Msg("feed registered")
	return nil
}

// Deregister removes a feed entry on an adapter disconnected event.
func (r *Registry) Deregister(exchange, pair string) error {
	key := types.PairKey(exchange, pair)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		r.logger.Warn().
			Str("pair", key).
			Msg("disconnected event for unknown feed")
		return ErrNotRegistered
	}

	delete(r.entries, key)
	monitoring.FeedsActive.Set(float64(len(r.entries)))

	r.logger.Debug().
		Str("pair", key).
		Msg("feed deregistered")
	return nil
}

// Touch records one observed trade for a feed. Existence is checked before
// any mutation; a missing entry means the trade must be dropped everywhere,
// and no phantom registration is created.
func (r *Registry) Touch(exchange, pair string, now int64) bool {
	key := types.PairKey(exchange, pair)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	entry.Hit++
	entry.Timestamp = now
	return true
}

// Lookup returns a copy of the entry for a pair key, if present.
func (r *Registry) Lookup(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Count returns the number of registered feeds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// PairKeys returns the sorted pair keys of all registered feeds.
func (r *Registry) PairKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Exchanges returns the sorted distinct exchanges with at least one feed.
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, entry := range r.entries {
		seen[entry.Exchange] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for exchange := range seen {
		out = append(out, exchange)
	}
	sort.Strings(out)
	return out
}

// SnapshotByAPI groups the live entries by their upstream API connection,
// sorted by API id with pairs sorted within each API.
func (r *Registry) SnapshotByAPI() []APISnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byAPI := make(map[string]*APISnapshot)
	for _, entry := range r.entries {
		snap, ok := byAPI[entry.APIID]
		if !ok {
			snap = &APISnapshot{APIID: entry.APIID, Exchange: entry.Exchange}
			byAPI[entry.APIID] = snap
		}
		snap.Pairs = append(snap.Pairs, entry.Pair)
		snap.Hits = append(snap.Hits, entry.Hit)
		snap.Timestamps = append(snap.Timestamps, entry.Timestamp)
		snap.Starts = append(snap.Starts, entry.Start)
	}

	out := make([]APISnapshot, 0, len(byAPI))
	for _, snap := range byAPI {
		sort.Sort(byPair{snap})
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIID < out[j].APIID })
	return out
}

// byPair sorts a snapshot's parallel slices by pair name.
type byPair struct{ s *APISnapshot }

func (b byPair) Len() int           { return len(b.s.Pairs) }
func (b byPair) Less(i, j int) bool { return b.s.Pairs[i] < b.s.Pairs[j] }
func (b byPair) Swap(i, j int) {
	b.s.Pairs[i], b.s.Pairs[j] = b.s.Pairs[j], b.s.Pairs[i]
	b.s.Hits[i], b.s.Hits[j] = b.s.Hits[j], b.s.Hits[i]
	b.s.Timestamps[i], b.s.Timestamps[j] = b.s.Timestamps[j], b.s.Timestamps[i]
	b.s.Starts[i], b.s.Starts[j] = b.s.Starts[j], b.s.Starts[i]
}

// RecordIndex merges an adapter index event into the product table.
func (r *Registry) RecordIndex(exchange string, pairs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pair := range pairs {
		product, ok := r.products[pair]
		if !ok {
			product = &Product{Value: pair}
			r.products[pair] = product
		}
		known := false
		for _, e := range product.Exchanges {
			if e == exchange {
				known = true
				break
			}
		}
		if !known {
			product.Exchanges = append(product.Exchanges, exchange)
			product.Count++
		}
	}
}

// Products returns a copy of the indexed product table.
func (r *Registry) Products() map[string]Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Product, len(r.products))
	for symbol, product := range r.products {
		cp := *product
		cp.Exchanges = append([]string(nil), product.Exchanges...)
		out[symbol] = cp
	}
	return out
}
