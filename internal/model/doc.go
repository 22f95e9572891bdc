// Package model defines the domain events carried over the relay channel.
//
// Conventions:
//   - Entities are identified by Kind and ID; Key joins them for batching
//   - Wire timestamps are RFC 3339; storage rows use int64 microseconds
//   - Payloads are kept as raw JSON so unknown fields survive the round trip
package model
