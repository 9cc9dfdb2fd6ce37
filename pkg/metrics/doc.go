// Package metrics exposes Prometheus instruments for scan sessions:
// license registrations, vendor module loads, classified engine events,
// scan outcomes and active captures.
package metrics
