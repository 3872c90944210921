// Package auth binds ledger commands to the account that must authorize
// them. A client signs the keccak256 digest of a Command with its secp256k1
// key; the server recovers the signer and checks it against the account the
// command acts for before the command reaches the ledger.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// Op names a mutating ledger command.
type Op string

const (
	OpRegister Op = "register"
	OpIssue    Op = "issue"
	OpRevoke   Op = "revoke"
)

// domain separates command digests from any other keccak256 signature made
// with the same key.
const domain = "did-credential-ledger/command/v1"

var (
	ErrUnauthorized     = errors.New("signer not authorized for command")
	ErrSignatureExpired = errors.New("command signature expired")
	ErrInvalidSignature = errors.New("invalid command signature")
	ErrDeadlineTooFar   = errors.New("command deadline too far in the future")
	ErrUnknownOperation = errors.New("unknown command operation")
)

// Command is the signed form of a ledger command. Only the fields relevant
// to Op are set; the rest stay zero.
type Command struct {
	Op             Op
	Account        interfaces.Account        // register
	PublicKey      []byte                    // register
	Issuer         interfaces.Account        // issue
	Holder         interfaces.Account        // issue, revoke
	CredentialHash interfaces.CredentialHash // issue, revoke
	Deadline       int64                     // unix seconds
}

// RegisterCommand returns the command authorizing Register(account, publicKey).
func RegisterCommand(account interfaces.Account, publicKey []byte, deadline time.Time) Command {
	return Command{Op: OpRegister, Account: account, PublicKey: publicKey, Deadline: deadline.Unix()}
}

// IssueCommand returns the command authorizing Issue(issuer, holder, hash).
func IssueCommand(issuer, holder interfaces.Account, hash interfaces.CredentialHash, deadline time.Time) Command {
	return Command{Op: OpIssue, Issuer: issuer, Holder: holder, CredentialHash: hash, Deadline: deadline.Unix()}
}

// RevokeCommand returns the command authorizing Revoke(holder, hash).
func RevokeCommand(holder interfaces.Account, hash interfaces.CredentialHash, deadline time.Time) Command {
	return Command{Op: OpRevoke, Holder: holder, CredentialHash: hash, Deadline: deadline.Unix()}
}

// Digest returns the keccak256 hash of the canonical command encoding.
func (c Command) Digest() common.Hash {
	var buf bytes.Buffer
	buf.WriteString(domain)
	buf.WriteByte(0)
	buf.WriteString(string(c.Op))
	buf.WriteByte(0)
	buf.Write(c.Account[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(c.PublicKey)))
	buf.Write(c.PublicKey)
	buf.Write(c.Issuer[:])
	buf.Write(c.Holder[:])
	buf.Write(c.CredentialHash[:])
	_ = binary.Write(&buf, binary.BigEndian, c.Deadline)
	return crypto.Keccak256Hash(buf.Bytes())
}

// Sign produces a 65-byte [R || S || V] signature over the command digest.
func Sign(cmd Command, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := cmd.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign command: %w", err)
	}
	return sig, nil
}

// Signer recovers the account that produced sig over cmd.
func Signer(cmd Command, sig []byte) (interfaces.Account, error) {
	if len(sig) != crypto.SignatureLength {
		return interfaces.Account{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	digest := cmd.Digest()
	pubkey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return interfaces.Account{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return interfaces.Account(crypto.PubkeyToAddress(*pubkey)), nil
}

// AccountFromKey returns the account controlled by key.
func AccountFromKey(key *ecdsa.PublicKey) interfaces.Account {
	return interfaces.Account(crypto.PubkeyToAddress(*key))
}
