// Package ledger persists joke requests as (client address, timestamp) rows in a
// single sqlite table and answers windowed questions about them.
//
// There is no background task: callers prune before they count. Timestamps are
// stored as floating point seconds since the unix epoch.
package ledger
