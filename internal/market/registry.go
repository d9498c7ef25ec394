package market

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// ErrUnsupportedInstrument is returned for universe rows that fit no class.
var ErrUnsupportedInstrument = errors.New("unsupported instrument type")

// defaultAliases maps index names to the table names used historically.
var defaultAliases = map[string]string{
	"NIFTY 50":   "NIFTY",
	"NIFTY BANK": "BANKNIFTY",
}

// Config holds Instrument Registry configuration.
type Config struct {
	Databases      map[model.Classification]string // class -> logical database
	TableAliases   map[string]string               // tradingsymbol or name -> table name
	MaxInstruments int                             // 0 means unlimited
	Mode           model.Mode                      // subscription mode for every instrument
}

// Registry holds the session's instrument universe keyed by token. It is
// built once and never mutated, so concurrent readers need no locking.
type Registry struct {
	byToken map[uint32]model.Instrument
	tokens  []uint32
	mode    model.Mode
}

// NewRegistry classifies and routes every row. Any unsupported row,
// duplicate token or an oversized universe fails the whole build.
func NewRegistry(cfg Config, rows []UniverseRow, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeFull
	}
	if cfg.MaxInstruments > 0 && len(rows) > cfg.MaxInstruments {
		return nil, fmt.Errorf("universe has %d instruments, limit is %d", len(rows), cfg.MaxInstruments)
	}

	aliases := make(map[string]string, len(defaultAliases)+len(cfg.TableAliases))
	maps.Copy(aliases, defaultAliases)
	maps.Copy(aliases, cfg.TableAliases)

	r := &Registry{
		byToken: make(map[uint32]model.Instrument, len(rows)),
		tokens:  make([]uint32, 0, len(rows)),
		mode:    cfg.Mode,
	}

	for _, row := range rows {
		inst, err := buildInstrument(row, cfg.Databases, aliases)
		if err != nil {
			return nil, fmt.Errorf("instrument %d (%s): %w", row.InstrumentToken, row.TradingSymbol, err)
		}
		if _, dup := r.byToken[inst.Token]; dup {
			return nil, fmt.Errorf("duplicate instrument token %d (%s)", inst.Token, inst.TradingSymbol)
		}
		r.byToken[inst.Token] = inst
		r.tokens = append(r.tokens, inst.Token)
	}
	slices.Sort(r.tokens)

	counts := r.CountByClass()
	logger.Info("instrument registry built",
		"instruments", len(r.tokens),
		"equity", counts[model.ClassEquity],
		"index", counts[model.ClassIndex],
		"future", counts[model.ClassFuture],
		"option", counts[model.ClassOption],
	)

	return r, nil
}

// Lookup returns the instrument for token.
func (r *Registry) Lookup(token uint32) (model.Instrument, bool) {
	inst, ok := r.byToken[token]
	return inst, ok
}

// Len returns the number of instruments.
func (r *Registry) Len() int { return len(r.tokens) }

// Instruments returns all instruments ordered by token.
func (r *Registry) Instruments() []model.Instrument {
	out := make([]model.Instrument, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, r.byToken[tok])
	}
	return out
}

// Subscriptions returns the subscription set for the streaming session.
func (r *Registry) Subscriptions() model.Subscriptions {
	subs := make(model.Subscriptions, len(r.tokens))
	for _, tok := range r.tokens {
		subs[tok] = r.mode
	}
	return subs
}

// CountByClass returns instrument counts per classification.
func (r *Registry) CountByClass() map[model.Classification]int {
	counts := make(map[model.Classification]int, 4)
	for _, inst := range r.byToken {
		counts[inst.Classification]++
	}
	return counts
}

// Classify maps a universe row to its instrument class.
func Classify(row UniverseRow) (model.Classification, error) {
	if strings.EqualFold(row.Segment, "INDICES") {
		return model.ClassIndex, nil
	}
	switch strings.ToUpper(row.InstrumentType) {
	case "EQ":
		return model.ClassEquity, nil
	case "FUT":
		return model.ClassFuture, nil
	case "CE", "PE":
		return model.ClassOption, nil
	}
	return "", fmt.Errorf("%w: %q in segment %q", ErrUnsupportedInstrument, row.InstrumentType, row.Segment)
}

// TableName derives the logical table for an instrument. Aliases win;
// otherwise indices use their name, futures their underlying plus "FUT",
// and equities and options their tradingsymbol.
func TableName(row UniverseRow, class model.Classification, aliases map[string]string) string {
	if alias, ok := aliases[row.TradingSymbol]; ok {
		return alias
	}
	if alias, ok := aliases[row.Name]; ok && class == model.ClassIndex {
		return alias
	}

	var base string
	switch class {
	case model.ClassIndex:
		base = row.Name
		if base == "" {
			base = row.TradingSymbol
		}
	case model.ClassFuture:
		base = row.Name + "FUT"
		if row.Name == "" {
			base = row.TradingSymbol
		}
	default:
		base = row.TradingSymbol
	}
	return sanitizeIdent(base)
}

func buildInstrument(row UniverseRow, databases map[model.Classification]string, aliases map[string]string) (model.Instrument, error) {
	if row.InstrumentToken == 0 {
		return model.Instrument{}, errors.New("missing instrument token")
	}
	if row.TradingSymbol == "" {
		return model.Instrument{}, errors.New("missing tradingsymbol")
	}

	class, err := Classify(row)
	if err != nil {
		return model.Instrument{}, err
	}

	db, ok := databases[class]
	if !ok || db == "" {
		return model.Instrument{}, fmt.Errorf("no database routed for class %s", class)
	}

	table := TableName(row, class, aliases)
	if table == "" {
		return model.Instrument{}, errors.New("empty table name after sanitizing")
	}

	var expiry time.Time
	if row.Expiry != "" {
		expiry, err = time.Parse(time.DateOnly, row.Expiry)
		if err != nil {
			return model.Instrument{}, fmt.Errorf("parse expiry %q: %w", row.Expiry, err)
		}
	}

	return model.Instrument{
		Token:          row.InstrumentToken,
		ExchangeToken:  row.ExchangeToken,
		TradingSymbol:  row.TradingSymbol,
		Name:           row.Name,
		Exchange:       row.Exchange,
		Segment:        row.Segment,
		InstrumentType: row.InstrumentType,
		Expiry:         expiry,
		Strike:         row.Strike,
		TickSize:       row.TickSize,
		LotSize:        row.LotSize,
		Classification: class,
		Routing:        model.RoutingKey{Database: db, Table: table},
	}, nil
}

// sanitizeIdent upper-cases s and keeps only [A-Z0-9_].
func sanitizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
