// Package persistence defines the storage driver contract, the pending
// trade chunk, and the aligned flush scheduler that drains it.
package persistence

import (
	"context"

	"github.com/adred-codev/aggr/internal/types"
)

// Format is the closed set of storage driver kinds. It gates which branch
// the historical handler takes: trade drivers return raw trades and get the
// unflushed tail merged in; point drivers return pre-bucketed bars and get
// range rounding plus the bar-count cap.
type Format int

const (
	FormatTrade Format = iota
	FormatPoint
)

// String returns the wire name of the format.
func (f Format) String() string {
	if f == FormatPoint {
		return "point"
	}
	return "trade"
}

// Query is a historical range request handed to a driver.
type Query struct {
	From      int64    // ms since epoch
	To        int64    // ms since epoch
	Timeframe int64    // bucket width in ms, point drivers only
	Markets   []string // pair-key filter; empty selects all
}

// Result is the tagged fetch outcome: exactly one of Trades or Points is
// populated, matching Format. A nil *Result means the driver had nothing
// for the range.
type Result struct {
	Format Format        `json:"format"`
	Trades []types.Trade `json:"trades,omitempty"`
	Points []types.Bar   `json:"points,omitempty"`
}

// Storage is a pluggable persistence backend. Save must tolerate being
// called concurrently with Fetch. Sink-only drivers (message buses) return
// a nil Result from Fetch.
type Storage interface {
	Name() string
	Format() Format
	Connect(ctx context.Context) error
	Save(ctx context.Context, batch []types.Trade, isExit bool) error
	Fetch(ctx context.Context, q Query) (*Result, error)
}
