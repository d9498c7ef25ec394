package calendar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestRead_Formats(t *testing.T) {
	c := New(ist(t), true)
	err := c.Read(strings.NewReader(`date,description
2024-01-26,Republic Day
25-Mar-2024,Holi
# comment line
11-Apr-24
`))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	open, reason := c.IsTradingDay(time.Date(2024, 1, 26, 10, 0, 0, 0, ist(t)))
	assert.False(t, open)
	assert.Equal(t, "Republic Day", reason)

	open, reason = c.IsTradingDay(time.Date(2024, 4, 11, 10, 0, 0, 0, ist(t)))
	assert.False(t, open)
	assert.Equal(t, "holiday", reason)

	open, _ = c.IsTradingDay(time.Date(2024, 3, 25, 9, 0, 0, 0, ist(t)))
	assert.False(t, open)
}

func TestRead_BadDate(t *testing.T) {
	c := New(ist(t), true)
	err := c.Read(strings.NewReader("2024-01-26\nnot-a-date\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestIsTradingDay_Weekend(t *testing.T) {
	loc := ist(t)
	sat := time.Date(2024, 4, 13, 10, 0, 0, 0, loc)
	mon := time.Date(2024, 4, 15, 10, 0, 0, 0, loc)

	c := New(loc, true)
	open, reason := c.IsTradingDay(sat)
	assert.False(t, open)
	assert.Equal(t, "weekend", reason)

	open, _ = c.IsTradingDay(mon)
	assert.True(t, open)

	// special weekend sessions
	c = New(loc, false)
	open, _ = c.IsTradingDay(sat)
	assert.True(t, open)
}

func TestIsTradingDay_UsesExchangeZone(t *testing.T) {
	loc := ist(t)
	c := New(loc, true)
	c.AddHoliday(time.Date(2024, 8, 15, 0, 0, 0, 0, loc), "Independence Day")

	// 20:00 UTC on Aug 14 is 01:30 IST on Aug 15
	open, reason := c.IsTradingDay(time.Date(2024, 8, 14, 20, 0, 0, 0, time.UTC))
	assert.False(t, open)
	assert.Equal(t, "Independence Day", reason)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.csv")
	require.NoError(t, os.WriteFile(path, []byte("2024-10-02,Gandhi Jayanti\n"), 0644))

	c, err := Load(path, ist(t), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	c, err = Load("", ist(t), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), ist(t), true, nil)
	assert.Error(t, err)
}
