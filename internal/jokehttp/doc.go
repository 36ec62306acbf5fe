// Package jokehttp serves /get-joke and /joke-stats.
//
// Both endpoints prune the request ledger to the last 24 hours before they
// read it. The caller is identified by the peer address of the connection,
// forwarding headers are not trusted.
package jokehttp
