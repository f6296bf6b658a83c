// Package lock provides the process-local lock table used by the lease
// client. Callers in the same process contend here before any remote write
// is attempted. Entries are created on first use and removed once nobody
// holds or waits on them, so the table stays bounded under an unbounded key
// space.
package lock
