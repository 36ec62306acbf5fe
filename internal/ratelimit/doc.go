// Package ratelimit keeps one token bucket per client address in front of the
// public listener.
//
// It guards the ledger against a single address hammering /get-joke: each
// accepted request is a database write. A denied request gets 429 and never
// reaches a handler, so it is not recorded and does not change that client's
// requests_today. The visitor map is capped and swept, so a flood of distinct
// addresses cannot grow it without bound.
//
// Single instance and in memory only. Distributed floods belong upstream.
package ratelimit
