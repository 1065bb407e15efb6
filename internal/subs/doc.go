// Package subs implements per-session subscription bookkeeping.
//
// The index maps wire tokens to sets of viewer handles and to the
// resolved instrument, partitioned into two feed classes (touchline and
// detailed). A token is present in the client map iff its instrument is
// held by at least one class set and the token→instrument map; all
// mutations happen under one lock so that invariant holds at every point
// a concurrent reader can observe.
package subs
