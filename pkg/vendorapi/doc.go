// Package vendorapi holds the HTTP and WebSocket plumbing shared by every
// component that talks to the rPPG vendor service.
//
// It contains:
//   - [Client] with request building, JSON helpers and WebSocket dialing
//   - [StatusError] returned for non-2xx responses, carrying the status text
//
// This package knows nothing about licenses or measurements; the license
// broker and the remote capture transport build on top of it.
package vendorapi
