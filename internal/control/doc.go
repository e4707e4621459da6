// Package control implements the point-to-point command/acknowledgement
// protocol layered on the relay.
//
// Each command gets a short random public identifier, is persisted as
// pending, dispatched to exactly one device connection, and resolved by
// whichever of {explicit ACK, fallback-correlated ACK, timeout} happens
// first. The terminal transition is enforced at the storage layer: resolve
// writes apply only while the row is still pending, so the timer path and
// the acknowledgement path can race freely without torn state.
package control
