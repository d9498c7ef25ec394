package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Token is an access token and the wall-clock time it was stored.
// IssuedAt is zero for tokens supplied through configuration.
type Token struct {
	AccessToken string
	IssuedAt    time.Time
}

// IsFresh reports whether the token was issued on now's calendar day in loc
// at or after afterHour. Kite tokens expire early each morning, so an older
// token will be rejected by the ticker.
func (t Token) IsFresh(now time.Time, loc *time.Location, afterHour int) bool {
	if t.IssuedAt.IsZero() {
		return false
	}
	local := now.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), afterHour, 0, 0, 0, loc)
	return !t.IssuedAt.Before(cutoff)
}

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBStore reads tokens from <schema>.broker_tokens.
type DBStore struct {
	db        Querier
	table     string
	loc       *time.Location
	afterHour int
	now       func() time.Time
	logger    *slog.Logger
}

// NewDBStore creates a token store. The table's timestamp column is a
// TIMESTAMP without time zone holding wall-clock time in loc.
func NewDBStore(db Querier, schema string, loc *time.Location, freshAfterHour int, logger *slog.Logger) *DBStore {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DBStore{
		db:        db,
		table:     pgx.Identifier{schema, "broker_tokens"}.Sanitize(),
		loc:       loc,
		afterHour: freshAfterHour,
		now:       time.Now,
		logger:    logger,
	}
}

// Latest returns the most recently stored token.
func (s *DBStore) Latest(ctx context.Context) (Token, error) {
	var (
		ts    time.Time
		token string
	)
	err := s.db.QueryRow(ctx,
		"SELECT timestamp, access_token FROM "+s.table+" ORDER BY timestamp DESC LIMIT 1",
	).Scan(&ts, &token)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("query latest token: %w", err)
	}
	if token == "" {
		return Token{}, ErrNoToken
	}

	return Token{
		AccessToken: token,
		IssuedAt:    time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), s.loc),
	}, nil
}

// Token implements TokenProvider. A stale token is returned with a warning;
// the ticker handshake is the authority on whether it still works.
func (s *DBStore) Token(ctx context.Context) (Token, error) {
	tok, err := s.Latest(ctx)
	if err != nil {
		return Token{}, err
	}
	if !tok.IsFresh(s.now(), s.loc, s.afterHour) {
		s.logger.Warn("latest access token is stale",
			"issued_at", tok.IssuedAt,
			"fresh_after_hour", s.afterHour,
		)
	}
	return tok, nil
}
