// Package storage is the SQLite persistence layer for stations, shows and
// recordings.
//
// Every write is a single short statement. The filename UNIQUE constraint is
// the only lock Recording inserts rely on.
package storage
