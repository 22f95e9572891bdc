// Package database provides the PostgreSQL connection pool and schema for
// the entity sink.
//
// The relay keeps one table, relay_entities, holding the latest reconciled
// payload per entity. Rows are only replaced by updates with an equal or
// newer ordering timestamp.
package database
