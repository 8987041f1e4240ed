// Package trigger is the recurrence controller: it owns trigger definitions,
// keeps at most one pending occurrence per trigger in the store, and fires
// due occurrences through the action engine.
//
// # Model
//
// A trigger is identified by a stable owner ID and carries an anchor time,
// an optional recurrence rule, and an enabled flag. A trigger with a rule
// reschedules itself after every fire; a trigger without a rule is a
// one-shot that fires once at its anchor and then goes back to being
// unconfigured.
//
// # Scheduling
//
// Configure is the single write path. Edits that change the recurrence
// shape (anchor, interval, unit) reset the pending occurrence; unrelated
// edits leave it untouched. Disabling clears it. All occurrence math lives
// in internal/recurrence; the controller only decides when to recompute.
//
// # Firing
//
// A cron-driven scan finds due rows and hands them to a small worker pool.
// Workers serialize per owner, re-check the row under the owner lock, pass
// the fire to the action engine without waiting for the run, and then
// reschedule. If the reschedule write fails the old row is left in place so
// the next scan retries; a fire may therefore be delivered more than once
// when the store is flapping, never zero times.
package trigger
