// Package dedup discards rapid repeat updates for the same entity.
//
// The first update for a key opens a window; further updates for that key
// arriving before the window closes are dropped. This sits in front of the
// batcher, which separately collapses whatever gets through by key.
package dedup
