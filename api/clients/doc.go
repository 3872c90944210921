// Package clients provides the HTTP client for the ledger API.
//
// LedgerClient implements api.LedgerProvider. Constructed with a signing key
// it attaches a command signature and deadline to every mutating request, as
// required by servers started with --require-signatures.
//
//	key, _ := crypto.HexToECDSA("...")
//	client := clients.NewLedgerClient("http://localhost:8080", clients.WithSigningKey(key))
//	resp, err := client.Register(ctx, clients.AccountOf(key), crypto.FromECDSAPub(&key.PublicKey))
package clients
