// Package provider adapts the external identity verification service.
//
// SumsubClient talks to the Sumsub REST API. Each request carries the app
// token, a unix timestamp and an HMAC-SHA256 signature over
//
//	timestamp + METHOD + path?query + body
//
// keyed with the app secret. Non-2xx responses and transport failures are
// ErrExternalService; missing credentials are ErrConfiguration.
//
// The biometric hash is read from applicant metadata under the "bioHash" key.
// Name and document number come from the applicant's extracted info.
//
// MemoryProvider is an in-process stand-in used by tests and local runs, and
// MockProvider is a testify mock for failure paths.
package provider
