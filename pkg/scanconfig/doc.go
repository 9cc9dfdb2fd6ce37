// Package scanconfig resolves the connection parameters of a scan session
// from the environment.
//
// The four connection values (service host, license key, study id, socket
// host) are required and have no defaults: [Resolve] fails with a
// [ConfigurationError] naming every missing key before anything touches the
// network. [LoadDotEnv] optionally seeds the environment from a .env file.
package scanconfig
