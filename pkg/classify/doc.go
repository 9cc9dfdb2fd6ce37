// Package classify turns raw capture engine errors and events into a small
// set of actionable categories.
//
// Classification is driven by an ordered [Rule] table; the first matching
// rule wins and the last rule is a catch-all that yields [Fatal]. Extra
// rules can be loaded from YAML with [LoadRules] and are evaluated before
// the catch-all, so new vendor message variants need no code change.
//
// Lifecycle events and result statuses use their own, simpler mappings:
// [MapLifecycle] and [AssessResult].
package classify
