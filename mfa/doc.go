// Package mfa implements the second factor: TOTP codes (RFC 6238, 30 second
// steps, six digits, one step of clock skew) and single-use backup codes.
//
// Enrollment is two-step. Setup stores a disabled credential and returns the
// secret, a provisioning URI, a QR image and eight XXXX-XXXX backup codes;
// ConfirmSetup enables it once the subject proves possession with a TOTP.
// Backup codes are stored only as bcrypt hashes and are removed from the
// credential inside the same store update that matched them.
package mfa
