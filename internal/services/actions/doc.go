// Package actions executes trigger actions on a worker pool.
//
// The trigger controller hands fires to this engine and never waits for
// them: a fire is "done" from the scheduler's perspective the moment it is
// enqueued, and rescheduling proceeds regardless of how the action run
// turns out. The engine owns the rest: per-run timeout, retry with backoff,
// overlap skipping per owner, and a bounded run-history ring.
//
// Action handlers are registered per owner ID. Owners without a handler get
// the engine's default handler, which just records the fire.
package actions
