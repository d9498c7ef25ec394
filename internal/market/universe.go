package market

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UniverseRow is one line of the Kite instrument dump.
type UniverseRow struct {
	InstrumentToken uint32
	ExchangeToken   uint32
	TradingSymbol   string
	Name            string
	LastPrice       decimal.Decimal
	Expiry          string // YYYY-MM-DD, empty for non-derivatives
	Strike          decimal.Decimal
	TickSize        decimal.Decimal
	LotSize         int
	InstrumentType  string
	Segment         string
	Exchange        string
}

// UniverseProvider supplies the instrument list for a session.
type UniverseProvider interface {
	Universe(ctx context.Context) ([]UniverseRow, error)
}

// InstrumentDumper downloads the instrument dump CSV for one exchange.
// An empty exchange means all exchanges.
type InstrumentDumper interface {
	Instruments(ctx context.Context, exchange string) ([]byte, error)
}

// requiredColumns must be present in every instrument CSV header.
var requiredColumns = []string{"instrument_token", "tradingsymbol", "instrument_type", "segment", "exchange"}

// FileUniverse reads the universe from a local CSV file.
type FileUniverse struct {
	Path      string
	Exchanges []string // optional filter
	Selection Selection
}

// Universe implements UniverseProvider.
func (f FileUniverse) Universe(ctx context.Context) ([]UniverseRow, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open universe file: %w", err)
	}
	defer file.Close()

	rows, err := ParseUniverse(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return f.Selection.Apply(filterExchanges(rows, f.Exchanges)), nil
}

// APIUniverse downloads the universe from the broker REST API, one request
// per exchange. The full dump is far larger than a session can subscribe
// to, so Selection is what keeps it under the instrument limit.
type APIUniverse struct {
	Source    InstrumentDumper
	Exchanges []string
	Selection Selection
}

// Universe implements UniverseProvider.
func (a APIUniverse) Universe(ctx context.Context) ([]UniverseRow, error) {
	exchanges := a.Exchanges
	if len(exchanges) == 0 {
		exchanges = []string{""}
	}

	var all []UniverseRow
	for _, ex := range exchanges {
		data, err := a.Source.Instruments(ctx, ex)
		if err != nil {
			return nil, fmt.Errorf("download instruments %q: %w", ex, err)
		}
		rows, err := ParseUniverse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse instruments %q: %w", ex, err)
		}
		all = append(all, rows...)
	}
	return a.Selection.Apply(all), nil
}

// Selection narrows an instrument dump to the instruments a session
// collects. A row is kept when it is on the allowlist or matches any rule.
// The zero Selection keeps every row.
type Selection struct {
	Symbols []string // tradingsymbols, case-insensitive
	Tokens  []uint32
	Rules   []SelectionRule
	AsOf    time.Time // expiries before this date are ignored by rules
}

// SelectionRule picks the contracts of one underlying, such as the two
// nearest NIFTY option expiries.
type SelectionRule struct {
	Name            string   // underlying, matched against the dump's name column
	InstrumentTypes []string // CE, PE, FUT, EQ; empty matches any
	Expiries        int      // nearest N expiries on or after AsOf; 0 keeps all
}

func (s Selection) empty() bool {
	return len(s.Symbols) == 0 && len(s.Tokens) == 0 && len(s.Rules) == 0
}

// Apply returns the rows s selects, in dump order.
func (s Selection) Apply(rows []UniverseRow) []UniverseRow {
	if s.empty() {
		return rows
	}

	symbols := make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		symbols[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	tokens := make(map[uint32]bool, len(s.Tokens))
	for _, t := range s.Tokens {
		tokens[t] = true
	}

	asOf := ""
	if !s.AsOf.IsZero() {
		asOf = s.AsOf.Format(time.DateOnly)
	}
	expiries := make([]map[string]bool, len(s.Rules))
	for i, rule := range s.Rules {
		expiries[i] = rule.nearest(rows, asOf)
	}

	var out []UniverseRow
	for _, r := range rows {
		keep := tokens[r.InstrumentToken] || symbols[strings.ToUpper(r.TradingSymbol)]
		for i, rule := range s.Rules {
			if keep {
				break
			}
			keep = rule.matches(r) && (rule.Expiries <= 0 || expiries[i][r.Expiry])
		}
		if keep {
			out = append(out, r)
		}
	}
	return out
}

func (r SelectionRule) matches(row UniverseRow) bool {
	if !strings.EqualFold(row.Name, r.Name) {
		return false
	}
	if len(r.InstrumentTypes) == 0 {
		return true
	}
	return slices.ContainsFunc(r.InstrumentTypes, func(t string) bool {
		return strings.EqualFold(t, row.InstrumentType)
	})
}

// nearest returns the first r.Expiries distinct expiries on or after asOf
// among the rows r matches. Expiries are YYYY-MM-DD so they sort as text.
func (r SelectionRule) nearest(rows []UniverseRow, asOf string) map[string]bool {
	if r.Expiries <= 0 {
		return nil
	}
	var all []string
	for _, row := range rows {
		if row.Expiry == "" || row.Expiry < asOf || !r.matches(row) {
			continue
		}
		all = append(all, row.Expiry)
	}
	slices.Sort(all)
	all = slices.Compact(all)

	keep := make(map[string]bool, r.Expiries)
	for _, e := range all[:min(r.Expiries, len(all))] {
		keep[e] = true
	}
	return keep
}

// ParseUniverse reads an instrument dump CSV. Columns are matched by header
// name so extra or reordered columns are tolerated.
func ParseUniverse(r io.Reader) ([]UniverseRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty instrument file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []UniverseRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: instrument_token: %w", line, err)
		}
		row := UniverseRow{
			InstrumentToken: uint32(token),
			TradingSymbol:   field(rec, "tradingsymbol"),
			Name:            field(rec, "name"),
			Expiry:          field(rec, "expiry"),
			InstrumentType:  field(rec, "instrument_type"),
			Segment:         field(rec, "segment"),
			Exchange:        field(rec, "exchange"),
		}
		if v := field(rec, "exchange_token"); v != "" {
			et, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: exchange_token: %w", line, err)
			}
			row.ExchangeToken = uint32(et)
		}
		if v := field(rec, "lot_size"); v != "" {
			row.LotSize, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: lot_size: %w", line, err)
			}
		}
		for name, dst := range map[string]*decimal.Decimal{
			"last_price": &row.LastPrice,
			"strike":     &row.Strike,
			"tick_size":  &row.TickSize,
		} {
			v := field(rec, name)
			if v == "" {
				continue
			}
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, name, err)
			}
			*dst = d
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func filterExchanges(rows []UniverseRow, exchanges []string) []UniverseRow {
	if len(exchanges) == 0 {
		return rows
	}
	keep := make(map[string]bool, len(exchanges))
	for _, ex := range exchanges {
		keep[strings.ToUpper(ex)] = true
	}
	out := rows[:0]
	for _, r := range rows {
		if keep[strings.ToUpper(r.Exchange)] {
			out = append(out, r)
		}
	}
	return out
}
