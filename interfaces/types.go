package interfaces

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// trimHexPrefix strips a single leading 0x or 0X.
func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Account is a 20-byte account identifier, derived from a public key the same
// way Ethereum addresses are.
type Account [20]byte

// NewAccountFromHex parses a 40-char hex string, with or without 0x prefix.
func NewAccountFromHex(source string) (Account, error) {
	clean := trimHexPrefix(source)
	if len(clean) != 40 {
		return Account{}, errors.New("invalid account length: hex string must be 40 characters")
	}
	if !common.IsHexAddress(clean) {
		return Account{}, fmt.Errorf("invalid account hex: %s", source)
	}
	return Account(common.HexToAddress(clean)), nil
}

// String returns the EIP-55 checksummed hex representation.
func (a Account) String() string {
	return common.Address(a).Hex()
}

// IsZero reports whether the account is the zero address.
func (a Account) IsZero() bool {
	return a == Account{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Account) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Account) UnmarshalText(text []byte) error {
	parsed, err := NewAccountFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// CredentialHash is the keccak256 commitment to a credential payload. The
// ledger never sees the payload itself.
type CredentialHash [32]byte

// ComputeCredentialHash hashes a credential payload.
func ComputeCredentialHash(payload []byte) CredentialHash {
	return CredentialHash(crypto.Keccak256Hash(payload))
}

// NewCredentialHashFromHex parses a 64-char hex string, with or without 0x prefix.
func NewCredentialHashFromHex(source string) (CredentialHash, error) {
	clean := trimHexPrefix(source)
	if len(clean) != 64 {
		return CredentialHash{}, errors.New("invalid credential hash length: hex string must be 64 characters")
	}
	raw, err := hexutil.Decode("0x" + clean)
	if err != nil {
		return CredentialHash{}, fmt.Errorf("invalid hex format: %w", err)
	}
	var h CredentialHash
	copy(h[:], raw)
	return h, nil
}

// String returns the 0x-prefixed hex representation.
func (h CredentialHash) String() string {
	return hexutil.Encode(h[:])
}

// Bytes returns the raw 32-byte hash.
func (h CredentialHash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h CredentialHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *CredentialHash) UnmarshalText(text []byte) error {
	parsed, err := NewCredentialHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// DIDKeyPrefix is the method prefix of every DID the ledger produces.
const DIDKeyPrefix = "did:key:"

// DID is a decentralized identifier of the form did:key:0x<hex public key>.
// The empty DID means "not registered".
type DID string

// NewDID derives the DID bound to a public key. The hex encoding is lowercase
// and 0x-prefixed, matching hexlify in the web client.
func NewDID(publicKey []byte) DID {
	return DID(DIDKeyPrefix + hexutil.Encode(publicKey))
}

// ParseDID recovers the public key bytes from a DID produced by NewDID.
func ParseDID(did DID) ([]byte, error) {
	s := string(did)
	if !strings.HasPrefix(s, DIDKeyPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDID, DIDKeyPrefix)
	}
	key, err := hexutil.Decode(strings.TrimPrefix(s, DIDKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidDID)
	}
	return key, nil
}

// Registered reports whether the DID is set.
func (d DID) Registered() bool {
	return d != ""
}

// String returns the DID string.
func (d DID) String() string {
	return string(d)
}

// CredentialStatus is the on-ledger status of a credential.
type CredentialStatus uint8

const (
	// StatusUnknown means no record exists for the key.
	StatusUnknown CredentialStatus = iota
	StatusActive
	StatusRevoked
)

// String returns the status name.
func (s CredentialStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CredentialStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CredentialStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StatusActive
	case "revoked":
		*s = StatusRevoked
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown credential status %q", string(text))
	}
	return nil
}

// IdentityRecord is one row of the identity directory.
type IdentityRecord struct {
	Account   Account       `json:"account"`
	DID       DID           `json:"did"`
	PublicKey hexutil.Bytes `json:"public_key"`
}

// CredentialKey identifies a credential on the ledger regardless of issuer.
type CredentialKey struct {
	Holder Account
	Hash   CredentialHash
}

// CredentialRecord is one row of the credential ledger.
type CredentialRecord struct {
	Holder Account          `json:"holder"`
	Issuer Account          `json:"issuer"`
	Hash   CredentialHash   `json:"credential_hash"`
	Status CredentialStatus `json:"status"`
}

// Key returns the ledger key of the record.
func (r CredentialRecord) Key() CredentialKey {
	return CredentialKey{Holder: r.Holder, Hash: r.Hash}
}

// EventKind names the state transition an event records.
type EventKind string

const (
	IdentityRegistered EventKind = "IdentityRegistered"
	CredentialIssued   EventKind = "CredentialIssued"
	CredentialRevoked  EventKind = "CredentialRevoked"
)

// Valid reports whether the kind is one the ledger emits.
func (k EventKind) Valid() bool {
	switch k {
	case IdentityRegistered, CredentialIssued, CredentialRevoked:
		return true
	}
	return false
}

// Event is an immutable entry of the event log. Only the fields relevant to
// Kind are populated:
//   - IdentityRegistered: Account, DID
//   - CredentialIssued: Issuer, Holder, CredentialHash
//   - CredentialRevoked: Holder, CredentialHash
type Event struct {
	Seq            uint64         `json:"seq"`
	Kind           EventKind      `json:"kind"`
	Account        Account        `json:"account,omitempty"`
	DID            DID            `json:"did,omitempty"`
	Issuer         Account        `json:"issuer,omitempty"`
	Holder         Account        `json:"holder,omitempty"`
	CredentialHash CredentialHash `json:"credential_hash,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	PrevHash       common.Hash    `json:"prev_hash"`
	Hash           common.Hash    `json:"hash"`
}

// ComputeHash returns keccak256(prevHash || canonical encoding of the event
// body). Timestamp is part of the body; Hash itself is not.
func (e Event) ComputeHash() common.Hash {
	var buf bytes.Buffer
	buf.Write(e.PrevHash[:])
	var seq [8]byte
	for i := 0; i < 8; i++ {
		seq[7-i] = byte(e.Seq >> (8 * i))
	}
	buf.Write(seq[:])
	buf.WriteString(string(e.Kind))
	buf.WriteByte(0)
	buf.Write(e.Account[:])
	buf.WriteString(string(e.DID))
	buf.WriteByte(0)
	buf.Write(e.Issuer[:])
	buf.Write(e.Holder[:])
	buf.Write(e.CredentialHash[:])
	ts := e.Timestamp.UTC().UnixNano()
	for i := 0; i < 8; i++ {
		buf.WriteByte(byte(ts >> (8 * (7 - i))))
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

// Seal sets PrevHash and Hash, linking the event to its predecessor.
func (e *Event) Seal(prev common.Hash) {
	e.PrevHash = prev
	e.Hash = e.ComputeHash()
}
