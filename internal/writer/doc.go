// Package writer implements the sinks that consume flushed entity batches.
//
// Sinks:
//   - EntityWriter upserts into relay_entities (PostgreSQL)
//   - LogSink logs each batch (used when no database is configured)
//
// EntityWriter only replaces a stored row when the incoming update's ordering
// timestamp is equal or newer, so replays and late redeliveries never move an
// entity backwards. Timestamps are stored as Unix microseconds.
package writer
