// Package license exchanges a static vendor license key for short-lived
// device credentials.
//
// [Broker] performs exactly one registration call per [Broker.Register] and
// never caches tokens: every capture initialization obtains fresh
// credentials. Retrying is a caller decision; [WithRetry] is an opt-in
// decorator for callers that want one.
package license
