// Package healthhttp serves the public /health report: ledger reachable,
// jokes resource readable, and how many of each there are.
// Liveness and readiness checks live in package health.
package healthhttp
