package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// Encode builds a ticker frame from ticks. Each tick's Mode and token segment
// select the packet layout, so Decode(Encode(ticks)) reproduces every field
// that layout carries. It exists for replay tooling and tests; the collector
// itself only decodes.
func Encode(ticks []model.Tick) ([]byte, error) {
	if len(ticks) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: %d ticks exceed frame capacity", len(ticks))
	}

	frame := make([]byte, 2, 2+len(ticks)*(2+PacketFull))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(ticks)))

	for i, t := range ticks {
		body, err := encodePacket(t)
		if err != nil {
			return nil, fmt.Errorf("encode tick %d (token %d): %w", i, t.InstrumentToken, err)
		}
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(body)))
		frame = append(frame, body...)
	}

	return frame, nil
}

// PacketSize returns the body length Encode uses for a tick of token in mode.
func PacketSize(token uint32, mode model.Mode) int {
	isIndex := Segment(token) == SegmentIndices
	switch {
	case mode == model.ModeLTP:
		return PacketLTP
	case isIndex && mode == model.ModeQuote:
		return PacketIndexQuote
	case isIndex:
		return PacketIndexFull
	case mode == model.ModeQuote:
		return PacketQuote
	default:
		return PacketFull
	}
}

func encodePacket(t model.Tick) ([]byte, error) {
	size := PacketSize(t.InstrumentToken, t.Mode)
	b := make([]byte, size)
	exp := PriceExponent(t.InstrumentToken)

	var err error
	putPrice := func(at int, d decimal.Decimal) {
		if err != nil {
			return
		}
		var raw uint32
		raw, err = rawPrice(d, exp)
		binary.BigEndian.PutUint32(b[at:at+4], raw)
	}
	putInt := func(at int, v int64) {
		if err != nil {
			return
		}
		if v < 0 || v > math.MaxUint32 {
			err = fmt.Errorf("value %d out of uint32 range", v)
			return
		}
		binary.BigEndian.PutUint32(b[at:at+4], uint32(v))
	}
	putTime := func(at int, ts time.Time) {
		if ts.IsZero() {
			return
		}
		putInt(at, ts.Unix())
	}

	binary.BigEndian.PutUint32(b[0:4], t.InstrumentToken)
	putPrice(4, t.LastPrice)

	switch size {
	case PacketIndexQuote, PacketIndexFull:
		putPrice(8, t.OHLC.High)
		putPrice(12, t.OHLC.Low)
		putPrice(16, t.OHLC.Open)
		putPrice(20, t.OHLC.Close)
		change := t.LastPrice.Sub(t.OHLC.Close).Shift(exp).IntPart()
		binary.BigEndian.PutUint32(b[24:28], uint32(int32(change)))
		if size == PacketIndexFull {
			putTime(28, t.Timestamp)
		}

	case PacketQuote, PacketFull:
		putInt(8, t.LastQuantity)
		putPrice(12, t.AveragePrice)
		putInt(16, t.Volume)
		putInt(20, t.BuyQuantity)
		putInt(24, t.SellQuantity)
		putPrice(28, t.OHLC.Open)
		putPrice(32, t.OHLC.High)
		putPrice(36, t.OHLC.Low)
		putPrice(40, t.OHLC.Close)
		if size == PacketFull {
			putTime(44, t.LastTradeTime)
			putInt(48, t.OI)
			putInt(52, t.OIHigh)
			putInt(56, t.OILow)
			putTime(60, t.Timestamp)
			for i := 0; i < 2*model.DepthLevels; i++ {
				level := t.Depth.Buy[i%model.DepthLevels]
				if i >= model.DepthLevels {
					level = t.Depth.Sell[i-model.DepthLevels]
				}
				p := depthOffset + i*depthEntrySize
				putInt(p, level.Quantity)
				putPrice(p+4, level.Price)
				if level.Orders < 0 || level.Orders > math.MaxUint16 {
					return nil, fmt.Errorf("order count %d out of uint16 range", level.Orders)
				}
				binary.BigEndian.PutUint16(b[p+8:p+10], uint16(level.Orders))
			}
		}
	}

	if err != nil {
		return nil, err
	}
	return b, nil
}

// rawPrice converts a price to its wire integer, rejecting values that need
// more precision than the segment carries.
func rawPrice(d decimal.Decimal, exp int32) (uint32, error) {
	shifted := d.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("price %s has more than %d decimal places", d, exp)
	}
	raw := shifted.IntPart()
	if raw < 0 || raw > math.MaxUint32 {
		return 0, fmt.Errorf("price %s out of range", d)
	}
	return uint32(raw), nil
}
