// Package model defines shared data types used across the bridge.
//
// Conventions:
//   - Prices: float64 rupees, as delivered by the Noren feed
//   - Timestamps: int64 seconds since Unix epoch
//   - Wire tokens: broker-assigned numeric scrip IDs, kept as strings
package model
