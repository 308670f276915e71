// Package model defines shared data types for the broker connector.
//
// Conventions:
//   - Amounts: decimal strings as sent by the broker, never floats
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Assets: uppercase symbols (e.g. "TRX", "USDT")
package model
