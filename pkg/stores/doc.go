// Package stores provides the local SQLite journal for stackpilot.
// It records deployment results, audits out-of-band recovery mutations
// and holds cross-process lease locks, with embedded golang-migrate
// migrations and WAL mode for file databases.
package stores
