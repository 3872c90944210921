/*
Package api defines the HTTP API of the DID credential ledger: route paths,
request and response bodies, and the error codes shared by the server in
package httpserver and the client in package api/clients.

# Routes

	POST /api/v1/identities                        register an account's DID
	GET  /api/v1/identities/{account}              resolve an account
	POST /api/v1/credentials                       issue a credential
	GET  /api/v1/credentials/{holder}/{hash}       verify a credential
	POST /api/v1/credentials/{holder}/{hash}/revoke revoke a credential
	GET  /api/v1/events?from=&limit=               page through the event log
	POST /api/v1/checkpoints                       archive and sign a checkpoint
	GET  /api/v1/checkpoints/latest                latest checkpoint

# Errors

Non-2xx responses carry an ErrorResponse. Clients return an *APIError that
unwraps to the matching ledger sentinel, so

	errors.Is(err, interfaces.ErrIssuerNotRegistered)

works across the wire.
*/
package api
