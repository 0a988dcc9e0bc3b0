// Package storage persists scheduled calls and owner settings.
//
// Two drivers are available behind the same Store interface:
//   - "sqlite": SQLite database file (default, modernc.org/sqlite)
//   - "file":   dependency-free JSON snapshot, matching the layout the
//     bot originally shipped with
//
// All durable truth about scheduling lives here; the dispatcher holds no
// in-memory timer list that could be lost on restart.
package storage
