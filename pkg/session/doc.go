// Package session is the caller-facing facade over a measurement session.
//
// A [Session] resolves its collaborators from the configuration (license
// registrar, capture transport, classification rules), initializes the
// capture adapter on [Session.Mount] and exposes Start, Stop, Retry and
// Close. Engine callbacks are classified and folded into an observable
// [State]: callers either poll [Session.Snapshot] or block in
// [Session.Watch] until the state version advances. An [EventBus] carries
// the same transitions as discrete notifications.
//
// Warnings clear themselves after the duration attached to their
// classification rule. Fatal errors abort the capture; quality failures
// stop it without normalizing the result.
package session
