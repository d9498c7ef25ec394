// Package calendar decides whether a date is a trading day.
package calendar

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// dateLayouts are the holiday file date formats accepted, in order.
var dateLayouts = []string{time.DateOnly, "02-Jan-2006", "02-Jan-06"}

// Calendar answers trading-day questions for one exchange.
type Calendar struct {
	loc           *time.Location
	weekendClosed bool
	holidays      map[string]string // YYYY-MM-DD -> description
}

// New creates a calendar with no holidays.
func New(loc *time.Location, weekendClosed bool) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		loc:           loc,
		weekendClosed: weekendClosed,
		holidays:      make(map[string]string),
	}
}

// Load creates a calendar from a holiday CSV file. An empty path yields a
// calendar that only applies the weekend rule.
func Load(path string, loc *time.Location, weekendClosed bool, logger *slog.Logger) (*Calendar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := New(loc, weekendClosed)
	if path == "" {
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open holidays file: %w", err)
	}
	defer f.Close()

	if err := c.Read(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	logger.Info("holiday calendar loaded", "path", path, "holidays", len(c.holidays))
	return c, nil
}

// Read adds holidays from CSV rows of date[,description]. A first row
// whose date does not parse is treated as a header.
func (c *Calendar) Read(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}

		day, err := parseDate(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return fmt.Errorf("line %d: %w", line, err)
		}

		desc := ""
		if len(rec) > 1 {
			desc = strings.TrimSpace(rec[1])
		}
		c.holidays[day.Format(time.DateOnly)] = desc
	}
}

// AddHoliday marks date as closed.
func (c *Calendar) AddHoliday(date time.Time, description string) {
	c.holidays[c.key(date)] = description
}

// IsTradingDay reports whether the exchange is open on t's calendar day in
// the exchange time zone. When closed, reason says why.
func (c *Calendar) IsTradingDay(t time.Time) (open bool, reason string) {
	local := t.In(c.loc)
	if c.weekendClosed {
		switch local.Weekday() {
		case time.Saturday, time.Sunday:
			return false, "weekend"
		}
	}
	if desc, ok := c.holidays[c.key(local)]; ok {
		if desc == "" {
			desc = "holiday"
		}
		return false, desc
	}
	return true, ""
}

// Len returns the number of holidays.
func (c *Calendar) Len() int { return len(c.holidays) }

func (c *Calendar) key(t time.Time) string {
	return t.In(c.loc).Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
