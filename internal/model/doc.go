// Package model defines shared data types used across the collector.
//
// Conventions:
//   - Prices: shopspring/decimal values, already scaled by the segment divisor
//   - Timestamps: time.Time truncated to the second for storage keys
//   - Tokens: uint32 instrument_token as issued by Kite
package model
