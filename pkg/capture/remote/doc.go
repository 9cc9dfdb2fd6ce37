// Package remote implements the measurement transport over the vendor REST
// and WebSocket API.
//
// Starting an [Engine] creates a measurement with POST /measurements, then
// subscribes to /measurements/{id}/subscribe on the socket host. Frames are
// JSON objects with a "type" of event, progress, error or result. A
// completion event without a result body triggers a fetch of
// /measurements/{id}/results.
//
// An unexpected disconnect is reported as a connectivity error and the
// subscription is re-established with backoff. When reconnects are
// exhausted a fatal SOCKET_CLOSED error is emitted.
package remote
