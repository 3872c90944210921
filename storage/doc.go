// Package storage provides content-addressed storage for archived event log
// segments and signed checkpoints, with pluggable backends.
//
// Content is identified by the SHA-256 hash of its bytes. Each content type
// lives in its own namespace, so a backend rooted at <base> holds:
//
//	<base>/segments/<hex id>
//	<base>/checkpoints/<hex id>
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/ledger/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//   - ipfs://127.0.0.1:5001/did-ledger?timeout=30s
//   - vault://vault.example.com:8200/secret/did-ledger?token_env=VAULT_TOKEN
//   - github://owner/repo/archive?ref=main (read-only mirror)
//
// # Redundancy
//
// MultiStorageBackend writes to every available backend and reads from the
// first one that returns bytes matching the requested content ID, so a
// corrupted or stale replica is skipped rather than trusted.
package storage
