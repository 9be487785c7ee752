// Package auth decodes session credentials and enforces access guards.
//
// The transport decodes a bearer token with TokenCodec into
// interfaces.SessionClaims; core operations then call Check with the guards
// they require:
//
//	err := auth.Check(claims, auth.Authenticated(), auth.MFASatisfied(mfaEnabled))
//
// MFASatisfied fails with interfaces.ErrMFARequired, a permission error the
// HTTP layer reports with an mfa_required flag.
package auth
