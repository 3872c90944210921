package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying archived content.
type ContentID [32]byte

// NewContentIDFromHex parses a 64-char hex string, with or without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := trimHexPrefix(source)
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentType indicates storage namespace.
type ContentType int

const (
	// SegmentType for archived event log segments
	SegmentType ContentType = iota
	// CheckpointType for signed checkpoints
	CheckpointType
)

// String returns type name.
func (ct ContentType) String() string {
	switch ct {
	case SegmentType:
		return "segment"
	case CheckpointType:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a URI identifying a storage backend.
type StorageBackendLocation string

// Validate checks that the URI parses and names a supported scheme.
func (loc StorageBackendLocation) Validate() error {
	parsed, err := url.Parse(string(loc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch parsed.Scheme {
	case "file", "s3", "ipfs", "github", "vault":
		return nil
	default:
		return fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}
}

// StorageBackend provides content-addressed data storage.
type StorageBackend interface {
	// Fetch retrieves data by content ID and type.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, s3://, ipfs://, github://, vault://
	StorageBackendFor(locationURI StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locationURIs []StorageBackendLocation) (StorageBackend, error)
}
