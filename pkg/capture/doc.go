// Package capture drives a vendor capture engine through its lifecycle.
//
// [Adapter] owns the live engine handle. It registers the license, opens an
// engine through a [Transport], and exposes imperative Start, Stop and
// Destroy. Stop and Destroy never fail from the caller's point of view:
// engine failures are logged and swallowed.
//
// Two transports implement [Transport]:
//   - [github.com/germanamz/vitalscan/pkg/capture/embedded]: an in-process
//     vendor engine module, loaded once per process
//   - [github.com/germanamz/vitalscan/pkg/capture/remote]: the REST and
//     WebSocket measurement API
//
// Engines expose optional capabilities ([Starter], [Canceler], [Stopper])
// that the adapter discovers with type assertions.
package capture
