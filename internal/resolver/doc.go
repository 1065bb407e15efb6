// Package resolver maps human symbols to broker wire tokens via the
// Noren SearchScrip endpoint, with a pluggable cache so repeated
// subscriptions to the same scrip avoid a round trip.
package resolver
