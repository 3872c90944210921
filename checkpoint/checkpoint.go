// Package checkpoint archives the event log into content-addressed segments
// and signs checkpoints committing to them.
//
// A checkpoint covers the contiguous range [FromSeq, ToSeq]. It names the
// hash of the event preceding the range (PrevHash), the hash of the last
// event in the range (HeadHash), the ID of the stored segment holding the
// events and the ID of the previous checkpoint, so checkpoints form a chain
// back to the first event of the log.
package checkpoint

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

const domain = "did-credential-ledger/checkpoint/v1"

var (
	ErrInvalidSignature    = errors.New("invalid checkpoint signature")
	ErrUntrustedSigner     = errors.New("checkpoint signed by untrusted key")
	ErrSegmentMismatch     = errors.New("segment does not match checkpoint")
	ErrNothingToArchive    = errors.New("no events after latest checkpoint")
	ErrNoCheckpoint        = errors.New("no checkpoint yet")
	ErrMalformedCheckpoint = errors.New("malformed checkpoint")
)

// Checkpoint is a signed commitment to an archived range of the event log.
type Checkpoint struct {
	FromSeq   uint64               `json:"from_seq"`
	ToSeq     uint64               `json:"to_seq"`
	PrevHash  common.Hash          `json:"prev_hash"`
	HeadHash  common.Hash          `json:"head_hash"`
	SegmentID interfaces.ContentID `json:"segment_id"`
	// Prev is the ID of the preceding checkpoint, zero for the first one.
	Prev      interfaces.ContentID `json:"prev"`
	CreatedAt int64                `json:"created_at"`
	Signer    common.Address       `json:"signer"`
	Signature hexutil.Bytes        `json:"signature"`
}

// Digest returns the keccak256 hash the signature is made over.
func (c *Checkpoint) Digest() common.Hash {
	var buf bytes.Buffer
	buf.WriteString(domain)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, c.FromSeq)
	_ = binary.Write(&buf, binary.BigEndian, c.ToSeq)
	buf.Write(c.PrevHash[:])
	buf.Write(c.HeadHash[:])
	buf.Write(c.SegmentID[:])
	buf.Write(c.Prev[:])
	_ = binary.Write(&buf, binary.BigEndian, c.CreatedAt)
	buf.Write(c.Signer[:])
	return crypto.Keccak256Hash(buf.Bytes())
}

// Sign sets Signer and Signature.
func (c *Checkpoint) Sign(key *ecdsa.PrivateKey) error {
	c.Signer = crypto.PubkeyToAddress(key.PublicKey)
	digest := c.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("failed to sign checkpoint: %w", err)
	}
	c.Signature = sig
	return nil
}

// IsGenesis reports whether the checkpoint starts at the first event.
func (c *Checkpoint) IsGenesis() bool {
	return c.Prev == interfaces.ContentID{}
}

// Verify checks the range is well formed and that the signature recovers to
// Signer. If trusted is non-empty the signer must also be one of them.
func Verify(c *Checkpoint, trusted ...common.Address) error {
	if c.FromSeq == 0 || c.ToSeq < c.FromSeq {
		return fmt.Errorf("%w: range [%d, %d]", ErrMalformedCheckpoint, c.FromSeq, c.ToSeq)
	}
	if c.IsGenesis() != (c.FromSeq == 1) {
		return fmt.Errorf("%w: only the checkpoint starting at seq 1 may omit prev", ErrMalformedCheckpoint)
	}
	if len(c.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(c.Signature))
	}

	digest := c.Digest()
	pubkey, err := crypto.SigToPub(digest[:], c.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered := crypto.PubkeyToAddress(*pubkey); recovered != c.Signer {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrInvalidSignature, recovered, c.Signer)
	}

	if len(trusted) == 0 {
		return nil
	}
	for _, addr := range trusted {
		if addr == c.Signer {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUntrustedSigner, c.Signer)
}
