/*
Package httpserver exposes the identity lifecycle over HTTP.

Every route except the provider webhook and the health endpoints requires a
bearer session token issued by auth.TokenCodec. Handlers decode and validate
the request, call one component, and map component errors onto statuses by
kind: validation 400, authentication 401, permission 403 (with mfa_required
set when a second factor is missing), not found 404, conflict 409, external
service 503.

A mint whose confirmation did not arrive in time is answered with 202 and
outcome "ambiguous". The client should poll POST /api/kyc/reconcile rather
than retry the mint.

# Endpoints

  - POST /api/kyc/init
  - GET /api/kyc/status
  - POST /api/kyc/mint
  - POST /api/kyc/reconcile
  - POST /api/kyc/recover-identity
  - POST /api/kyc/webhook (signature authenticated)
  - GET /api/identity/tokens/{tokenId}
  - POST /api/mfa/setup, /api/mfa/verify-setup, /api/mfa/verify, /api/mfa/disable
  - GET /api/mfa/status
  - POST /api/mfa/backup-codes/regenerate
  - POST /api/admin/identities/{subjectId}/clear-pending-mint
  - GET /api/admin/identities/{subjectId}
  - GET /livez, /readyz, /drain, /undrain
*/
package httpserver
