package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Side is the taker side of a trade.
type Side uint8

const (
	Sell Side = iota
	Buy
)

// String returns the lowercase side name.
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// ParseSide maps a side name to its Side value.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Sell, fmt.Errorf("unknown side %q", v)
}

// Trade is a normalized trade event from an upstream exchange feed.
//
// The wire and persisted shape is positional:
//
//	["EXCHANGE:pair", timestamp, price, size, side, liquidation?]
//
// with timestamp (ms since epoch) at index 1, side encoded 1=buy / 0=sell,
// and the liquidation flag appended as 1 only when set. Range filters over
// serialized chunks depend on the timestamp position.
type Trade struct {
	Exchange    string
	Pair        string
	Timestamp   int64 // ms since epoch
	Price       float64
	Size        float64
	Side        Side
	Liquidation bool
}

// PairKey returns the "{exchange}:{pair}" identifier used by the registry,
// the aggregation map, and broadcast routing.
func (t Trade) PairKey() string {
	return t.Exchange + ":" + t.Pair
}

// PairKey builds the registry identifier for an (exchange, pair) feed.
func PairKey(exchange, pair string) string {
	return exchange + ":" + pair
}

// SplitPairKey splits "{exchange}:{pair}" back into its parts.
func SplitPairKey(key string) (exchange, pair string, err error) {
	i := strings.Index(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed pair key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// MarshalJSON encodes the trade in its positional wire shape.
func (t Trade) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, 6)
	arr = append(arr, t.PairKey(), t.Timestamp, t.Price, t.Size, int(t.Side))
	if t.Liquidation {
		arr = append(arr, 1)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the positional wire shape back into a Trade.
func (t *Trade) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("trade record: %w", err)
	}
	if len(raw) < 5 {
		return fmt.Errorf("trade record has %d elements, want at least 5", len(raw))
	}
	key, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("trade record: element 0 is not a pair key")
	}
	exchange, pair, err := SplitPairKey(key)
	if err != nil {
		return err
	}
	num := func(i int) (float64, error) {
		n, ok := raw[i].(json.Number)
		if !ok {
			return 0, fmt.Errorf("trade record: element %d is not numeric", i)
		}
		return n.Float64()
	}
	ts, err := num(1)
	if err != nil {
		return err
	}
	price, err := num(2)
	if err != nil {
		return err
	}
	size, err := num(3)
	if err != nil {
		return err
	}
	side, err := num(4)
	if err != nil {
		return err
	}
	t.Exchange = exchange
	t.Pair = pair
	t.Timestamp = int64(ts)
	t.Price = price
	t.Size = size
	if side != 0 {
		t.Side = Buy
	} else {
		t.Side = Sell
	}
	t.Liquidation = false
	if len(raw) > 5 {
		if flag, err := num(5); err == nil && flag != 0 {
			t.Liquidation = true
		}
	}
	return nil
}

// Bar is one OHLCV bucket produced by point-format storage.
type Bar struct {
	Market string  `json:"market"`
	Time   int64   `json:"time"` // bucket start, ms since epoch
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Count  int64   `json:"count"`
}
