// Package api holds the wire types of the identity lifecycle HTTP API and
// the server configuration shared by the binaries.
//
// Request types implement Validate (ozzo-validation) and are checked by the
// handlers before any component is called. The clients subpackage is a Go
// client for the same API, used by the operator CLI.
package api
