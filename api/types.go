package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/did-credential-ledger/auth"
	"github.com/ruteri/did-credential-ledger/checkpoint"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// Route paths served by httpserver and called by clients.
const (
	PathIdentities       = "/api/v1/identities"
	PathCredentials      = "/api/v1/credentials"
	PathEvents           = "/api/v1/events"
	PathCheckpoints      = "/api/v1/checkpoints"
	PathLatestCheckpoint = "/api/v1/checkpoints/latest"
)

// Signed carries the optional command signature. When the server requires
// signatures, Signature must be a 65-byte secp256k1 signature over the
// auth.Command digest with the same Deadline.
type Signed struct {
	Signature hexutil.Bytes `json:"signature,omitempty"`
	Deadline  int64         `json:"deadline,omitempty"`
}

// RegisterRequest is the body of POST /api/v1/identities.
type RegisterRequest struct {
	Account   interfaces.Account `json:"account"`
	PublicKey hexutil.Bytes      `json:"public_key"`
	Signed
}

// RegisterResponse returns the DID now bound to the account.
type RegisterResponse struct {
	Account interfaces.Account `json:"account"`
	DID     interfaces.DID     `json:"did"`
	Seq     uint64             `json:"seq"`
}

// IdentityResponse is returned by GET /api/v1/identities/{account}. DID is
// empty and Registered false for unknown accounts.
type IdentityResponse struct {
	Account    interfaces.Account `json:"account"`
	DID        interfaces.DID     `json:"did"`
	PublicKey  hexutil.Bytes      `json:"public_key,omitempty"`
	Registered bool               `json:"registered"`
}

// IssueRequest is the body of POST /api/v1/credentials.
type IssueRequest struct {
	Issuer         interfaces.Account        `json:"issuer"`
	Holder         interfaces.Account        `json:"holder"`
	CredentialHash interfaces.CredentialHash `json:"credential_hash"`
	Signed
}

// RevokeRequest is the body of POST /api/v1/credentials/{holder}/{hash}/revoke.
type RevokeRequest struct {
	Signed
}

// CommandResponse acknowledges an accepted issue or revoke.
type CommandResponse struct {
	Seq uint64 `json:"seq"`
}

// CredentialResponse is returned by GET /api/v1/credentials/{holder}/{hash}.
type CredentialResponse struct {
	Holder         interfaces.Account          `json:"holder"`
	CredentialHash interfaces.CredentialHash   `json:"credential_hash"`
	Valid          bool                        `json:"valid"`
	Status         interfaces.CredentialStatus `json:"status"`
	Issuer         *interfaces.Account         `json:"issuer,omitempty"`
}

// EventsResponse is returned by GET /api/v1/events?from=&limit=.
type EventsResponse struct {
	Events []interfaces.Event `json:"events"`
	Head   uint64             `json:"head"`
}

// CheckpointResponse carries a checkpoint and its content ID.
type CheckpointResponse struct {
	ID         interfaces.ContentID   `json:"id"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint"`
	Created    bool                   `json:"created"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeBadRequest          = "bad_request"
	CodeEmptyPublicKey      = "empty_public_key"
	CodeIssuerNotRegistered = "issuer_not_registered"
	CodeHolderNotRegistered = "holder_not_registered"
	CodeAlreadyRegistered   = "already_registered"
	CodePermanentlyRevoked  = "permanently_revoked"
	CodeCredentialNotFound  = "credential_not_found"
	CodeSignatureRequired   = "signature_required"
	CodeInvalidSignature    = "invalid_signature"
	CodeSignatureExpired    = "signature_expired"
	CodeUnauthorized        = "unauthorized"
	CodeNoCheckpoint        = "no_checkpoint"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal"
)

// ErrSignatureRequired is returned when the server requires signed commands
// and the request carried none.
var ErrSignatureRequired = errors.New("command signature required")

var codeErrors = map[string]error{
	CodeEmptyPublicKey:      interfaces.ErrEmptyPublicKey,
	CodeIssuerNotRegistered: interfaces.ErrIssuerNotRegistered,
	CodeHolderNotRegistered: interfaces.ErrHolderNotRegistered,
	CodeAlreadyRegistered:   interfaces.ErrAlreadyRegistered,
	CodePermanentlyRevoked:  interfaces.ErrCredentialPermanentlyRevoked,
	CodeCredentialNotFound:  interfaces.ErrCredentialNotFound,
	CodeSignatureRequired:   ErrSignatureRequired,
	CodeInvalidSignature:    auth.ErrInvalidSignature,
	CodeSignatureExpired:    auth.ErrSignatureExpired,
	CodeUnauthorized:        auth.ErrUnauthorized,
	CodeNoCheckpoint:        checkpoint.ErrNoCheckpoint,
}

// ErrorCode maps a domain error to its API error code, or "" if err has no
// dedicated code.
func ErrorCode(err error) string {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	if errors.Is(err, auth.ErrDeadlineTooFar) {
		return CodeInvalidSignature
	}
	return ""
}

// APIError is returned by clients for non-2xx responses. It unwraps to the
// domain error matching Code, so callers can use errors.Is with the ledger
// sentinels.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// LedgerProvider is the client side of the ledger HTTP API.
type LedgerProvider interface {
	Register(ctx context.Context, account interfaces.Account, publicKey []byte) (*RegisterResponse, error)
	Resolve(ctx context.Context, account interfaces.Account) (*IdentityResponse, error)
	Issue(ctx context.Context, issuer, holder interfaces.Account, hash interfaces.CredentialHash) (*CommandResponse, error)
	Verify(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (*CredentialResponse, error)
	Revoke(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (*CommandResponse, error)
	Events(ctx context.Context, fromSeq uint64, limit int) (*EventsResponse, error)
	CreateCheckpoint(ctx context.Context) (*CheckpointResponse, error)
	LatestCheckpoint(ctx context.Context) (*CheckpointResponse, error)
}
