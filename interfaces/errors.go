package interfaces

import "errors"

// Command rejections. A rejected command leaves the identity directory, the
// credential ledger and the event log unchanged. Rejections are precondition
// failures and retrying them without changing ledger state cannot succeed.
var (
	// ErrIssuerNotRegistered is returned by issue when the issuer has no DID.
	ErrIssuerNotRegistered = errors.New("issuer DID not registered")

	// ErrHolderNotRegistered is returned by issue when the issuer is registered
	// but the holder has no DID.
	ErrHolderNotRegistered = errors.New("holder DID not registered")

	// ErrEmptyPublicKey is returned by register for an empty public key.
	ErrEmptyPublicKey = errors.New("public key must not be empty")

	// ErrAlreadyRegistered is returned by register under a policy that forbids
	// rebinding an account.
	ErrAlreadyRegistered = errors.New("account already registered")

	// ErrCredentialPermanentlyRevoked is returned by issue under a policy that
	// makes revocation permanent.
	ErrCredentialPermanentlyRevoked = errors.New("credential permanently revoked")

	// ErrCredentialNotFound is returned by revoke under a policy that rejects
	// revocation of credentials that were never issued.
	ErrCredentialNotFound = errors.New("credential not found")
)

var rejections = []error{
	ErrIssuerNotRegistered,
	ErrHolderNotRegistered,
	ErrEmptyPublicKey,
	ErrAlreadyRegistered,
	ErrCredentialPermanentlyRevoked,
	ErrCredentialNotFound,
}

// IsRejection reports whether err is a command rejection as opposed to an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// Event log errors.
var (
	// ErrSequenceGap is returned when an appended event does not directly
	// follow the current head.
	ErrSequenceGap = errors.New("event sequence gap")

	// ErrBrokenChain is returned when an event's hash link does not match its
	// predecessor.
	ErrBrokenChain = errors.New("event hash chain broken")

	// ErrInvalidDID is returned when a DID string cannot be decoded.
	ErrInvalidDID = errors.New("invalid DID")
)

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
