package auth

import (
	"fmt"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// DefaultMaxValidity bounds how far in the future a command deadline may be.
const DefaultMaxValidity = 10 * time.Minute

// Authorizer decides whether a recovered signer may run a command:
//   - register: the account being registered
//   - issue: the issuer
//   - revoke: the holder, or the issuer recorded for the credential
//
// The recorded issuer is read when Authorize runs, outside the ledger's
// command lock. A re-issue committed between Authorize and the revoke can
// change the issuer after the check; the revoke still applies. Callers that
// need the check and the command to be atomic must serialize them.
type Authorizer struct {
	credentials interfaces.CredentialLedger
	maxValidity time.Duration
}

func NewAuthorizer(credentials interfaces.CredentialLedger, maxValidity time.Duration) *Authorizer {
	if maxValidity <= 0 {
		maxValidity = DefaultMaxValidity
	}
	return &Authorizer{
		credentials: credentials,
		maxValidity: maxValidity,
	}
}

// Authorize verifies sig over cmd at time now and returns the signer.
func (a *Authorizer) Authorize(cmd Command, sig []byte, now time.Time) (interfaces.Account, error) {
	deadline := time.Unix(cmd.Deadline, 0)
	if now.After(deadline) {
		return interfaces.Account{}, fmt.Errorf("%w: deadline %s", ErrSignatureExpired, deadline.UTC().Format(time.RFC3339))
	}
	if deadline.Sub(now) > a.maxValidity {
		return interfaces.Account{}, fmt.Errorf("%w: deadline %s exceeds %s", ErrDeadlineTooFar, deadline.UTC().Format(time.RFC3339), a.maxValidity)
	}

	signer, err := Signer(cmd, sig)
	if err != nil {
		return interfaces.Account{}, err
	}

	switch cmd.Op {
	case OpRegister:
		if signer == cmd.Account {
			return signer, nil
		}
	case OpIssue:
		if signer == cmd.Issuer {
			return signer, nil
		}
	case OpRevoke:
		if signer == cmd.Holder {
			return signer, nil
		}
		if rec, ok := a.credentials.Credential(cmd.Holder, cmd.CredentialHash); ok && rec.Issuer == signer {
			return signer, nil
		}
	default:
		return interfaces.Account{}, fmt.Errorf("%w: %q", ErrUnknownOperation, cmd.Op)
	}

	return interfaces.Account{}, fmt.Errorf("%w: %s may not %s", ErrUnauthorized, signer, cmd.Op)
}
