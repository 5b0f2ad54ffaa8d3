// Package work implements the bounded worker pool used for every concurrent
// step of a release.
//
// # Tasks and Futures
//
// A Task is a named unit of work. Submit schedules one task and returns a
// Future the caller joins on; RunAll schedules a batch and returns one
// Result per task in submission order. At most Size tasks run at once.
//
// # Failure Semantics
//
// A failing task never cancels its siblings. Every task runs to completion
// and reports its own error, so callers can aggregate partial failures.
// A panicking task is recovered and reported as an error.
//
// # Nesting
//
// A task may fan out on the pool it runs on. Nested tasks run on the
// parent's slot instead of taking new ones, so a full pool cannot block a
// parent waiting for its children.
//
// # Timeouts
//
// Tasks are not interrupted. Future.WaitTimeout bounds how long a caller
// waits for a result; the task keeps running if the wait expires.
package work
