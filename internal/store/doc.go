// Package store persists pending occurrences: the single next scheduled
// fire per trigger owner.
//
// The structural invariant is owner uniqueness: Upsert replaces whatever
// row the owner had, so at most one pending occurrence exists per owner at
// any time. All writes to that state go through this package.
package store
