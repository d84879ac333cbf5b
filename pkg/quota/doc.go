// Package quota computes remaining daily allowance for a principal and
// atomically records consumption.
//
// Counters are durable and every check-and-consume for one principal is a
// single conditional SQL statement, so two concurrent requests racing for
// the last unit of allowance serialize in the database: exactly one wins.
// There is no in-process caching of counts and principals never block each
// other.
//
// The daily window is anchored to UTC. Anonymous principals are counted in
// a separate (principal key, day) table rather than on an account row.
package quota
