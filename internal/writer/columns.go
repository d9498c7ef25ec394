package writer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// keyColumns form the table's unique key.
var keyColumns = []string{"instrument_token", "timestamp"}

// columns lists every tick table column in insert order.
var columns = buildColumns()

func buildColumns() []string {
	cols := []string{
		"instrument_token", "tradingsymbol", "tablename", "dbname", "timestamp",
		"price", "qty", "avgprice", "volume", "bqty", "sqty",
		"open", "high", "low", "close", "changeper", "lasttradetime",
		"oi", "oihigh", "oilow",
	}
	for _, side := range []string{"b", "s"} {
		for i := range model.DepthLevels {
			cols = append(cols,
				fmt.Sprintf("%sq%d", side, i),
				fmt.Sprintf("%sp%d", side, i),
				fmt.Sprintf("%so%d", side, i),
			)
		}
	}
	return cols
}

// upsertSQL builds the insert-or-overwrite statement for target, which must
// already be a sanitized identifier.
func upsertSQL(target string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(strings.Join(keyColumns, ", "))
	b.WriteString(") DO UPDATE SET ")

	first := true
	for _, col := range columns {
		if slices.Contains(keyColumns, col) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(col)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(col)
	}
	return b.String()
}

// schemaDDL returns the statements that create schema, table and indexes.
func schemaDDL(schema, table string) []string {
	target := pgx.Identifier{schema, table}.Sanitize()

	var cols strings.Builder
	cols.WriteString(`instrument_token BIGINT NOT NULL,
	tradingsymbol VARCHAR(100),
	tablename VARCHAR(100),
	dbname VARCHAR(100),
	timestamp TIMESTAMP NOT NULL,
	price DECIMAL(19,2),
	qty INTEGER,
	avgprice DECIMAL(19,2),
	volume BIGINT,
	bqty INTEGER,
	sqty INTEGER,
	open DECIMAL(19,2),
	high DECIMAL(19,2),
	low DECIMAL(19,2),
	close DECIMAL(19,2),
	changeper DECIMAL(60,10),
	lasttradetime TIMESTAMP,
	oi INTEGER,
	oihigh INTEGER,
	oilow INTEGER,
`)
	for _, side := range []string{"b", "s"} {
		for i := range model.DepthLevels {
			fmt.Fprintf(&cols, "\t%[1]sq%[2]d INTEGER, %[1]sp%[2]d DECIMAL(19,2), %[1]so%[2]d INTEGER,\n", side, i)
		}
	}
	cols.WriteString("\tUNIQUE (instrument_token, timestamp)")

	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize(),
		"CREATE TABLE IF NOT EXISTS " + target + " (\n\t" + cols.String() + "\n)",
	}
	for _, idx := range []struct{ name, col string }{
		{"tablenameindex", "tablename"},
		{"symbolindex", "tradingsymbol"},
		{"instrument_token_index", "instrument_token"},
		{"timestamp_index", "timestamp"},
	} {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgx.Identifier{table + "_" + idx.name}.Sanitize(), target, idx.col))
	}
	return stmts
}
