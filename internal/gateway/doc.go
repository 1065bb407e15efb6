// Package gateway exposes the downstream WebSocket surface: viewers
// connect per symbol, the gateway attaches them to the shared broker
// session for their credential, and normalized ticks fan out until the
// viewer disconnects.
package gateway
