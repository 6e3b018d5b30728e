// Package storage persists linked accounts, session blobs, groups, per-account
// settings, message variants, cycle statistics and operator audit entries in
// a single SQLite file. Schema changes ship as embedded migrations.
package storage
