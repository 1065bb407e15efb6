// Package session composes one upstream link with one subscription
// index per broker credential.
//
// A Session:
//   - serializes connect attempts behind a gate so concurrent viewers
//     never open duplicate upstream connections
//   - resolves symbols to wire tokens, maintains the index and triggers
//     batched re-subscription frames when a class membership changes
//   - runs the broadcast loop: decodes inbound ticks, normalizes them
//     and fans out to every subscribed viewer, evicting handles that
//     fail delivery
//   - reconnects after a connection loss with bounded exponential
//     backoff and re-sends the full membership of both feed classes
//
// The Registry finds or creates Sessions keyed by credential.
package session
