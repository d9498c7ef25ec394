package codec

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

const (
	tokenReliance = 738561  // NSE, segment 1
	tokenNifty50  = 256265  // INDICES, segment 9
	tokenUSDINR   = 412419  // CDS, segment 3
	tokenBCD      = 1280006 // BCD, segment 6
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// buildFrame assembles a frame from raw packet bodies.
func buildFrame(bodies ...[]byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(bodies)))
	for _, b := range bodies {
		out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
		out = append(out, b...)
	}
	return out
}

func put32(b []byte, at int, v uint32) { binary.BigEndian.PutUint32(b[at:at+4], v) }

func TestSegmentAndExponent(t *testing.T) {
	tests := []struct {
		token   uint32
		segment uint32
		exp     int32
	}{
		{tokenReliance, SegmentNSE, 2},
		{tokenNifty50, SegmentIndices, 2},
		{tokenUSDINR, SegmentCDS, 7},
		{tokenBCD, SegmentBCD, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.segment, Segment(tt.token), "segment of %d", tt.token)
		assert.Equal(t, tt.exp, PriceExponent(tt.token), "exponent of %d", tt.token)
	}
}

func TestDecode_LTPReferenceValue(t *testing.T) {
	body := make([]byte, PacketLTP)
	put32(body, 0, tokenReliance)
	put32(body, 4, 294525)

	ticks, err := Decode(buildFrame(body))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, uint32(tokenReliance), tick.InstrumentToken)
	assert.Equal(t, model.ModeLTP, tick.Mode)
	assert.True(t, tick.Tradable)
	assert.True(t, tick.LastPrice.Equal(dec("2945.25")), "last price = %s", tick.LastPrice)
	assert.True(t, tick.Timestamp.IsZero(), "ltp packets carry no exchange timestamp")
}

func TestDecode_IndexFull(t *testing.T) {
	ts := time.Date(2024, 4, 10, 3, 45, 12, 0, time.UTC)

	body := make([]byte, PacketIndexFull)
	put32(body, 0, tokenNifty50)
	put32(body, 4, 2245065)  // last 22450.65
	put32(body, 8, 2251000)  // high
	put32(body, 12, 2239010) // low
	put32(body, 16, 2241500) // open
	put32(body, 20, 2200000) // close 22000.00
	put32(body, 28, uint32(ts.Unix()))

	ticks, err := Decode(buildFrame(body))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, model.ModeFull, tick.Mode)
	assert.False(t, tick.Tradable, "indices are not tradable")
	assert.True(t, tick.LastPrice.Equal(dec("22450.65")))
	assert.True(t, tick.OHLC.High.Equal(dec("22510")))
	assert.True(t, tick.OHLC.Low.Equal(dec("22390.10")))
	assert.True(t, tick.OHLC.Open.Equal(dec("22415")))
	assert.True(t, tick.OHLC.Close.Equal(dec("22000")))
	assert.True(t, tick.ChangePct.Equal(dec("2.0484090909")), "change = %s", tick.ChangePct)
	assert.True(t, tick.Timestamp.Equal(ts))
	assert.False(t, tick.HasDepth)
}

func TestDecode_IndexQuoteHasNoTimestamp(t *testing.T) {
	body := make([]byte, PacketIndexQuote)
	put32(body, 0, tokenNifty50)
	put32(body, 4, 2245065)

	ticks, err := Decode(buildFrame(body))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, model.ModeQuote, ticks[0].Mode)
	assert.True(t, ticks[0].Timestamp.IsZero())
	assert.True(t, ticks[0].ChangePct.IsZero(), "zero close must not divide")
}

func TestDecode_FullPacketDepthOrdering(t *testing.T) {
	ts := time.Date(2024, 4, 10, 4, 0, 1, 0, time.UTC)
	ltt := ts.Add(-time.Second)

	body := make([]byte, PacketFull)
	put32(body, 0, tokenReliance)
	put32(body, 4, 294525)   // last
	put32(body, 8, 15)       // last qty
	put32(body, 12, 294310)  // avg
	put32(body, 16, 1234567) // volume
	put32(body, 20, 40000)   // buy qty
	put32(body, 24, 52000)   // sell qty
	put32(body, 28, 293000)  // open
	put32(body, 32, 296000)  // high
	put32(body, 36, 292050)  // low
	put32(body, 40, 292000)  // close
	put32(body, 44, uint32(ltt.Unix()))
	put32(body, 48, 700) // oi
	put32(body, 52, 900) // oi high
	put32(body, 56, 500) // oi low
	put32(body, 60, uint32(ts.Unix()))
	for i := 0; i < 10; i++ {
		p := 64 + i*12
		var raw uint32
		if i < 5 {
			raw = 294520 - uint32(5*i) // bids descend from the best
		} else {
			raw = 294530 + uint32(5*(i-5)) // asks ascend from the best
		}
		put32(body, p, uint32(100*(i+1)))
		put32(body, p+4, raw)
		binary.BigEndian.PutUint16(body[p+8:p+10], uint16(i+1))
	}

	ticks, err := Decode(buildFrame(body))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	tick := ticks[0]

	assert.Equal(t, model.ModeFull, tick.Mode)
	assert.True(t, tick.HasDepth)
	assert.Equal(t, int64(15), tick.LastQuantity)
	assert.True(t, tick.AveragePrice.Equal(dec("2943.10")))
	assert.Equal(t, int64(1234567), tick.Volume)
	assert.Equal(t, int64(40000), tick.BuyQuantity)
	assert.Equal(t, int64(52000), tick.SellQuantity)
	assert.Equal(t, int64(700), tick.OI)
	assert.Equal(t, int64(900), tick.OIHigh)
	assert.Equal(t, int64(500), tick.OILow)
	assert.True(t, tick.Timestamp.Equal(ts))
	assert.True(t, tick.LastTradeTime.Equal(ltt))

	for i := 0; i < model.DepthLevels; i++ {
		buy := tick.Depth.Buy[i]
		assert.Equal(t, int64(100*(i+1)), buy.Quantity, "buy[%d] qty", i)
		assert.Equal(t, int32(i+1), buy.Orders, "buy[%d] orders", i)
		assert.True(t, buy.Price.Equal(decimal.New(int64(294520-5*i), -2)), "buy[%d] price %s", i, buy.Price)

		sell := tick.Depth.Sell[i]
		assert.Equal(t, int64(100*(i+6)), sell.Quantity, "sell[%d] qty", i)
		assert.Equal(t, int32(i+6), sell.Orders, "sell[%d] orders", i)
		assert.True(t, sell.Price.Equal(decimal.New(int64(294530+5*i), -2)), "sell[%d] price %s", i, sell.Price)
	}
	assert.True(t, tick.Depth.Buy[0].Price.Equal(dec("2945.20")), "best bid at index 0")
	assert.True(t, tick.Depth.Sell[0].Price.Equal(dec("2945.30")), "best ask at index 0")
}

func TestDecode_SegmentScaling(t *testing.T) {
	tests := []struct {
		name  string
		token uint32
		raw   uint32
		want  string
	}{
		{"equity paise", tokenReliance, 294525, "2945.25"},
		{"nse currency", tokenUSDINR, 831234567, "83.1234567"},
		{"bse currency", tokenBCD, 831234, "83.1234"},
		{"index", tokenNifty50, 2245065, "22450.65"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := make([]byte, PacketLTP)
			put32(body, 0, tt.token)
			put32(body, 4, tt.raw)

			ticks, err := Decode(buildFrame(body))
			require.NoError(t, err)
			require.Len(t, ticks, 1)
			assert.True(t, ticks[0].LastPrice.Equal(dec(tt.want)), "got %s, want %s", ticks[0].LastPrice, tt.want)
		})
	}
}

func TestDecode_Heartbeat(t *testing.T) {
	ticks, err := Decode([]byte{0x00})
	require.NoError(t, err)
	assert.Empty(t, ticks)
	assert.True(t, IsHeartbeat([]byte{0x00}))
}

func TestDecode_Malformed(t *testing.T) {
	ltp := make([]byte, PacketLTP)
	put32(ltp, 0, tokenReliance)

	odd := make([]byte, 12)
	put32(odd, 0, tokenReliance)

	equity28 := make([]byte, PacketIndexQuote)
	put32(equity28, 0, tokenReliance)

	truncated := buildFrame(make([]byte, PacketQuote))
	truncated = truncated[:len(truncated)-10]

	tests := []struct {
		name       string
		frame      []byte
		wantLength int
	}{
		{"empty frame", []byte{}, 0},
		{"count without packets", []byte{0x00, 0x02}, 2},
		{"second packet missing", append(buildFrame(ltp), 0x00)[:2+2+PacketLTP], 12},
		{"truncated body", truncated, PacketQuote},
		{"unsupported length", buildFrame(odd), 12},
		{"index layout on equity token", buildFrame(equity28), PacketIndexQuote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := tt.frame
			if tt.name == "second packet missing" {
				binary.BigEndian.PutUint16(frame[0:2], 2)
			}

			ticks, err := Decode(frame)
			assert.Nil(t, ticks)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)
			assert.Equal(t, tt.wantLength, de.Length)
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 4, 10, 5, 30, 0, 0, time.UTC)

	full := model.Tick{
		InstrumentToken: tokenReliance,
		Mode:            model.ModeFull,
		Timestamp:       ts,
		LastPrice:       dec("2945.25"),
		LastQuantity:    10,
		AveragePrice:    dec("2941.5"),
		Volume:          998877,
		BuyQuantity:     1200,
		SellQuantity:    3400,
		OHLC:            model.OHLC{Open: dec("2930"), High: dec("2950.05"), Low: dec("2925.1"), Close: dec("2920")},
		LastTradeTime:   ts.Add(-2 * time.Second),
		OI:              11,
		OIHigh:          12,
		OILow:           10,
	}
	for i := 0; i < model.DepthLevels; i++ {
		full.Depth.Buy[i] = model.DepthLevel{Quantity: int64(10 + i), Price: dec("2945.20").Sub(decimal.New(int64(5*i), -2)), Orders: int32(1 + i)}
		full.Depth.Sell[i] = model.DepthLevel{Quantity: int64(20 + i), Price: dec("2945.30").Add(decimal.New(int64(5*i), -2)), Orders: int32(2 + i)}
	}

	ticks := []model.Tick{
		full,
		{InstrumentToken: tokenUSDINR, Mode: model.ModeLTP, LastPrice: dec("83.1234567")},
		{InstrumentToken: tokenNifty50, Mode: model.ModeFull, Timestamp: ts, LastPrice: dec("22450.65"),
			OHLC: model.OHLC{Open: dec("22415"), High: dec("22510"), Low: dec("22390.1"), Close: dec("22500")}},
		{InstrumentToken: tokenBCD, Mode: model.ModeQuote, LastPrice: dec("83.1234"), Volume: 5,
			OHLC: model.OHLC{Close: dec("83")}},
	}

	frame, err := Encode(ticks)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, got, len(ticks))

	for i, want := range ticks {
		g := got[i]
		assert.Equal(t, want.InstrumentToken, g.InstrumentToken, "tick %d token", i)
		assert.Equal(t, want.Mode, g.Mode, "tick %d mode", i)
		assert.True(t, want.LastPrice.Equal(g.LastPrice), "tick %d last price %s != %s", i, g.LastPrice, want.LastPrice)
		assert.True(t, want.AveragePrice.Equal(g.AveragePrice), "tick %d avg price", i)
		assert.True(t, want.OHLC.Open.Equal(g.OHLC.Open) && want.OHLC.High.Equal(g.OHLC.High) &&
			want.OHLC.Low.Equal(g.OHLC.Low) && want.OHLC.Close.Equal(g.OHLC.Close), "tick %d ohlc", i)
		assert.Equal(t, want.Volume, g.Volume, "tick %d volume", i)
		assert.Equal(t, want.LastQuantity, g.LastQuantity, "tick %d last qty", i)
		assert.Equal(t, want.BuyQuantity, g.BuyQuantity, "tick %d buy qty", i)
		assert.Equal(t, want.SellQuantity, g.SellQuantity, "tick %d sell qty", i)
		assert.Equal(t, want.OI, g.OI, "tick %d oi", i)
		assert.True(t, want.Timestamp.Equal(g.Timestamp), "tick %d timestamp", i)
		assert.True(t, want.LastTradeTime.Equal(g.LastTradeTime), "tick %d last trade time", i)
		assert.True(t, changePct(want.LastPrice, want.OHLC.Close).Equal(g.ChangePct), "tick %d change", i)
		for l := 0; l < model.DepthLevels; l++ {
			assert.Equal(t, want.Depth.Buy[l].Quantity, g.Depth.Buy[l].Quantity)
			assert.True(t, want.Depth.Buy[l].Price.Equal(g.Depth.Buy[l].Price))
			assert.Equal(t, want.Depth.Buy[l].Orders, g.Depth.Buy[l].Orders)
			assert.Equal(t, want.Depth.Sell[l].Quantity, g.Depth.Sell[l].Quantity)
			assert.True(t, want.Depth.Sell[l].Price.Equal(g.Depth.Sell[l].Price))
			assert.Equal(t, want.Depth.Sell[l].Orders, g.Depth.Sell[l].Orders)
		}
	}
}

func TestEncode_RejectsUnrepresentablePrice(t *testing.T) {
	_, err := Encode([]model.Tick{{InstrumentToken: tokenReliance, Mode: model.ModeLTP, LastPrice: dec("10.005")}})
	assert.Error(t, err)

	_, err = Encode([]model.Tick{{InstrumentToken: tokenReliance, Mode: model.ModeLTP, LastPrice: dec("-1")}})
	assert.Error(t, err)
}

func TestPacketSize(t *testing.T) {
	assert.Equal(t, PacketLTP, PacketSize(tokenNifty50, model.ModeLTP))
	assert.Equal(t, PacketIndexQuote, PacketSize(tokenNifty50, model.ModeQuote))
	assert.Equal(t, PacketIndexFull, PacketSize(tokenNifty50, model.ModeFull))
	assert.Equal(t, PacketQuote, PacketSize(tokenReliance, model.ModeQuote))
	assert.Equal(t, PacketFull, PacketSize(tokenReliance, model.ModeFull))
}
