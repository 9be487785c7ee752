// Package clients provides an HTTP client for the identity API, used by the
// admin CLI and integration tests.
package clients
