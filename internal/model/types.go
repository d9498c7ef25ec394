package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Instrument Types
// -----------------------------------------------------------------------------

// Classification is the instrument class used for routing.
type Classification string

const (
	ClassEquity Classification = "EQUITY"
	ClassIndex  Classification = "INDEX"
	ClassFuture Classification = "FUTURE"
	ClassOption Classification = "OPTION"
)

// RoutingKey identifies the logical store a tick is written to.
type RoutingKey struct {
	Database string // logical database (schema) name, stored in the dbname column
	Table    string // logical table name, stored in the tablename column
}

// Instrument is one entry of the session's instrument universe.
type Instrument struct {
	Token          uint32 // instrument_token (unique)
	ExchangeToken  uint32
	TradingSymbol  string // e.g. "NIFTY24APR22000CE"
	Name           string // underlying or index name, e.g. "NIFTY 50"
	Exchange       string // NSE, NFO, BSE, ...
	Segment        string // NSE, NFO-OPT, INDICES, ...
	InstrumentType string // EQ, FUT, CE, PE
	Expiry         time.Time
	Strike         decimal.Decimal
	TickSize       decimal.Decimal
	LotSize        int

	Classification Classification
	Routing        RoutingKey
}

// Mode is the detail level requested for an instrument's stream.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLTP, ModeQuote, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Subscriptions maps instrument_token to requested mode.
type Subscriptions map[uint32]Mode

// Tokens returns every subscribed token in ascending order.
func (s Subscriptions) Tokens() []uint32 {
	tokens := make([]uint32, 0, len(s))
	for tok := range s {
		tokens = append(tokens, tok)
	}
	slices.Sort(tokens)
	return tokens
}

// ByMode groups tokens by mode, each group in ascending order.
func (s Subscriptions) ByMode() map[Mode][]uint32 {
	out := make(map[Mode][]uint32)
	for _, tok := range s.Tokens() {
		m := s[tok]
		out[m] = append(out[m], tok)
	}
	return out
}

// -----------------------------------------------------------------------------
// Tick Types
// -----------------------------------------------------------------------------

// DepthLevels is the number of order book rungs captured per side.
const DepthLevels = 5

// OHLC holds the day's open, high, low and close.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// DepthLevel is one rung of the order book.
type DepthLevel struct {
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Orders   int32           `json:"orders"`
}

// Depth holds five buy and five sell levels, best price at index 0.
type Depth struct {
	Buy  [DepthLevels]DepthLevel `json:"buy"`
	Sell [DepthLevels]DepthLevel `json:"sell"`
}

// Tick is one decoded market-data update. Ticks are values and are never
// mutated after they are handed to the pipeline.
type Tick struct {
	InstrumentToken uint32    `json:"instrument_token"`
	Mode            Mode      `json:"mode"`
	Tradable        bool      `json:"tradable"`
	Timestamp       time.Time `json:"timestamp"` // second precision; the storage key

	LastPrice     decimal.Decimal `json:"last_price"`
	LastQuantity  int64           `json:"last_quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	Volume        int64           `json:"volume"`
	BuyQuantity   int64           `json:"buy_quantity"`
	SellQuantity  int64           `json:"sell_quantity"`
	OHLC          OHLC            `json:"ohlc"`
	ChangePct     decimal.Decimal `json:"change"`
	LastTradeTime time.Time       `json:"last_trade_time"`

	OI     int64 `json:"oi"`
	OIHigh int64 `json:"oi_day_high"`
	OILow  int64 `json:"oi_day_low"`

	HasDepth bool  `json:"has_depth"`
	Depth    Depth `json:"depth"`

	ReceivedAt time.Time `json:"received_at"`
}

// TickKey is the storage uniqueness key.
type TickKey struct {
	Token uint32
	Unix  int64 // seconds
}

// Key returns the tick's (instrument_token, timestamp) key.
func (t Tick) Key() TickKey {
	return TickKey{Token: t.InstrumentToken, Unix: t.Timestamp.Unix()}
}

// -----------------------------------------------------------------------------
// Batch
// -----------------------------------------------------------------------------

// Batch is an ordered collection of ticks pending a flush, deduplicated by
// TickKey. A later tick for a key replaces the earlier one in place.
type Batch struct {
	ticks    []Tick
	index    map[TickKey]int
	received int
}

// NewBatch creates an empty batch with room for n ticks.
func NewBatch(n int) *Batch {
	return &Batch{
		ticks: make([]Tick, 0, n),
		index: make(map[TickKey]int, n),
	}
}

// Add appends t, or replaces the tick already held for t's key.
// It reports whether a replacement happened.
func (b *Batch) Add(t Tick) bool {
	b.received++
	key := t.Key()
	if i, ok := b.index[key]; ok {
		b.ticks[i] = t
		return true
	}
	b.index[key] = len(b.ticks)
	b.ticks = append(b.ticks, t)
	return false
}

// Len returns the number of distinct keys.
func (b *Batch) Len() int { return len(b.ticks) }

// Received returns how many ticks were added, duplicates included.
func (b *Batch) Received() int { return b.received }

// Ticks returns the deduplicated ticks in first-seen key order.
func (b *Batch) Ticks() []Tick { return b.ticks }

// -----------------------------------------------------------------------------
// Session State
// -----------------------------------------------------------------------------

// SessionStatus is the streaming session's lifecycle state.
type SessionStatus int

const (
	StatusIdle SessionStatus = iota
	StatusConnecting
	StatusStreaming
	StatusReconnecting
	StatusDraining
	StatusStopped
)

var statusNames = [...]string{"IDLE", "CONNECTING", "STREAMING", "RECONNECTING", "DRAINING", "STOPPED"}

func (s SessionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("SessionStatus(%d)", int(s))
}

// MarshalText renders the status name in JSON and logs.
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionState is a snapshot of the streaming session. Only the session
// mutates it; everything else reads copies.
type SessionState struct {
	Status            SessionStatus `json:"status"`
	LastTickAt        time.Time     `json:"last_tick_at"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	ConnectedAt       time.Time     `json:"connected_at"`
	TicksReceived     int64         `json:"ticks_received"`
	FramesDropped     int64         `json:"frames_dropped"`
}
