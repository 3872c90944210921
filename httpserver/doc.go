/*
Package httpserver serves the DID credential ledger over HTTP.

Server wraps a chi router with request logging, readiness and drain
endpoints, optional pprof and a separate Prometheus metrics listener.
Handler implements the ledger routes listed in package api.

# Command authorization

With WithAuthorizer set, register, issue and revoke require a signature
over the auth.Command digest:

  - register must be signed by the account being registered
  - issue must be signed by the issuer
  - revoke must be signed by the holder or by the credential's issuer

Missing, malformed or expired signatures are rejected with 401, a valid
signature by the wrong account with 403.

# Status codes

	400 malformed request or empty public key
	401 signature required, invalid or expired
	403 signer not authorized for the command
	404 credential not found (strict revocation) or no checkpoint yet
	409 account already registered or credential permanently revoked
	422 issuer or holder DID not registered
	503 checkpoints not enabled

# Health endpoints

	GET /livez    always 200
	GET /readyz   200 unless drained, reports the ledger head
	GET /drain    mark not ready
	GET /undrain  mark ready again
*/
package httpserver
