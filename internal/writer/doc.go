// Package writer persists tick batches into the wide tick table.
//
// Every batch is one transaction of upserts keyed by
// (instrument_token, timestamp); a later tick for a key overwrites all value
// columns of the earlier row. Rows are routed by the instrument's routing
// key: the tablename and dbname identity columns always carry it, and with
// partition_by_database the routing database also selects the schema.
//
// Prices are DECIMAL(19,2) and timestamps are exchange-local TIMESTAMP
// values, matching the table the daily backup job reads.
package writer
