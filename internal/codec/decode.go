package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// Packet body sizes on the Kite ticker.
const (
	PacketLTP        = 8
	PacketIndexQuote = 28
	PacketIndexFull  = 32
	PacketQuote      = 44
	PacketFull       = 184
)

// Exchange segments carried in the low byte of an instrument token.
const (
	SegmentNSE     = 1
	SegmentNFO     = 2
	SegmentCDS     = 3
	SegmentBSE     = 4
	SegmentBFO     = 5
	SegmentBCD     = 6
	SegmentMCX     = 7
	SegmentMCXSX   = 8
	SegmentIndices = 9
)

const (
	depthOffset    = 64
	depthEntrySize = 12
)

var hundred = decimal.NewFromInt(100)

// DecodeError reports a malformed or truncated frame.
type DecodeError struct {
	Offset int    // byte offset in the frame where decoding failed
	Length int    // offending length: packet body length, or frame length
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s (offset %d, length %d)", e.Reason, e.Offset, e.Length)
}

// IsHeartbeat reports whether a binary message is the 1-byte keepalive.
func IsHeartbeat(frame []byte) bool {
	return len(frame) == 1
}

// Segment returns the exchange segment encoded in token.
func Segment(token uint32) uint32 {
	return token & 0xFF
}

// PriceExponent returns the number of implied decimal places for prices of
// token's segment: currency derivatives on NSE carry 7, on BSE 4, the rest 2.
func PriceExponent(token uint32) int32 {
	switch Segment(token) {
	case SegmentCDS:
		return 7
	case SegmentBCD:
		return 4
	default:
		return 2
	}
}

// Decode parses one binary frame into ticks. A frame is a big-endian uint16
// packet count followed by that many (uint16 length, body) pairs. Ticks
// without an exchange timestamp keep a zero Timestamp; the caller stamps them.
func Decode(frame []byte) ([]model.Tick, error) {
	if IsHeartbeat(frame) {
		return nil, nil
	}
	if len(frame) < 2 {
		return nil, &DecodeError{Offset: 0, Length: len(frame), Reason: "frame shorter than packet count"}
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]model.Tick, 0, count)

	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(frame) {
			return nil, &DecodeError{Offset: off, Length: len(frame), Reason: fmt.Sprintf("missing length prefix for packet %d of %d", i+1, count)}
		}
		size := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2

		if off+size > len(frame) {
			return nil, &DecodeError{Offset: off, Length: size, Reason: fmt.Sprintf("packet %d of %d truncated", i+1, count)}
		}

		tick, err := decodePacket(frame[off:off+size], off)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
		off += size
	}

	return ticks, nil
}

func decodePacket(b []byte, off int) (model.Tick, error) {
	if len(b) < 4 {
		return model.Tick{}, &DecodeError{Offset: off, Length: len(b), Reason: "packet shorter than token"}
	}

	token := u32(b, 0)
	exp := PriceExponent(token)
	price := func(at int) decimal.Decimal {
		return decimal.New(int64(u32(b, at)), -exp)
	}

	isIndex := Segment(token) == SegmentIndices
	t := model.Tick{
		InstrumentToken: token,
		Tradable:        !isIndex,
	}

	switch {
	case len(b) == PacketLTP:
		t.Mode = model.ModeLTP
		t.LastPrice = price(4)

	case isIndex && (len(b) == PacketIndexQuote || len(b) == PacketIndexFull):
		t.Mode = model.ModeQuote
		t.LastPrice = price(4)
		t.OHLC = model.OHLC{
			High:  price(8),
			Low:   price(12),
			Open:  price(16),
			Close: price(20),
		}
		t.ChangePct = changePct(t.LastPrice, t.OHLC.Close)
		if len(b) == PacketIndexFull {
			t.Mode = model.ModeFull
			t.Timestamp = unixSeconds(u32(b, 28))
		}

	case !isIndex && (len(b) == PacketQuote || len(b) == PacketFull):
		t.Mode = model.ModeQuote
		t.LastPrice = price(4)
		t.LastQuantity = int64(u32(b, 8))
		t.AveragePrice = price(12)
		t.Volume = int64(u32(b, 16))
		t.BuyQuantity = int64(u32(b, 20))
		t.SellQuantity = int64(u32(b, 24))
		t.OHLC = model.OHLC{
			Open:  price(28),
			High:  price(32),
			Low:   price(36),
			Close: price(40),
		}
		t.ChangePct = changePct(t.LastPrice, t.OHLC.Close)

		if len(b) == PacketFull {
			t.Mode = model.ModeFull
			t.LastTradeTime = unixSeconds(u32(b, 44))
			t.OI = int64(u32(b, 48))
			t.OIHigh = int64(u32(b, 52))
			t.OILow = int64(u32(b, 56))
			t.Timestamp = unixSeconds(u32(b, 60))

			t.HasDepth = true
			for i := 0; i < 2*model.DepthLevels; i++ {
				p := depthOffset + i*depthEntrySize
				level := model.DepthLevel{
					Quantity: int64(u32(b, p)),
					Price:    price(p + 4),
					Orders:   int32(binary.BigEndian.Uint16(b[p+8 : p+10])),
				}
				if i < model.DepthLevels {
					t.Depth.Buy[i] = level
				} else {
					t.Depth.Sell[i-model.DepthLevels] = level
				}
			}
		}

	default:
		return model.Tick{}, &DecodeError{Offset: off, Length: len(b), Reason: fmt.Sprintf("unsupported packet length for segment %d", Segment(token))}
	}

	return t, nil
}

// changePct returns (last - close) * 100 / close, or zero when close is zero.
func changePct(last, prevClose decimal.Decimal) decimal.Decimal {
	if prevClose.IsZero() {
		return decimal.Zero
	}
	return last.Sub(prevClose).Mul(hundred).DivRound(prevClose, 10)
}

func unixSeconds(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func u32(b []byte, at int) uint32 {
	return binary.BigEndian.Uint32(b[at : at+4])
}
