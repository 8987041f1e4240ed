// Package recurrence implements trigd's repeat rules and the occurrence
// calculator.
//
// A Rule is "every N units" where the unit is one of minute, hour, day,
// weekday, week, month or year. Next() projects a rule onto a timeline:
// given the series anchor and the current time it returns the next moment
// the owning trigger should fire, always strictly in the future.
//
// Unit semantics differ on purpose:
//
//   - minute/hour repeat relative to "now" and land on unit boundaries
//     (seconds zeroed for minute, minutes and seconds zeroed for hour);
//   - day/week/month/year repeat relative to the anchor and preserve its
//     time-of-day (and day-of-week / day-of-month where the calendar allows);
//   - weekday steps over business days only, never yielding a Saturday or
//     Sunday.
package recurrence
