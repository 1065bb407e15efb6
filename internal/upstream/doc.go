// Package upstream implements the streaming connection to the broker
// feed (Noren/PiConnect WebSocket protocol).
//
// A Link owns exactly one WebSocket connection for one credential:
//   - dials and performs the {"t":"c"} handshake, waiting for the
//     {"t":"ck"} acknowledgement with an explicit timeout
//   - runs a background read loop feeding raw frames into a channel
//   - serializes writes, including batched re-subscription frames that
//     always carry the complete membership of a feed class
//
// The wire protocol has no incremental subscribe: every membership
// change resends the full "EXCH|token#EXCH|token" list for its class.
package upstream
