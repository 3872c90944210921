package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/vault/shamir"
)

var (
	ErrNotEnoughShares  = errors.New("not enough key shares")
	ErrMismatchedShares = errors.New("key shares belong to different keys")
)

// KeyShare is one Shamir share of a secp256k1 private key. Address and
// Threshold are stored in clear so shares can be matched without combining.
type KeyShare struct {
	Address   common.Address `json:"address"`
	Index     int            `json:"index"`
	Threshold int            `json:"threshold"`
	Share     hexutil.Bytes  `json:"share"`
}

// SplitKey splits key into parts shares, any threshold of which recover it.
func SplitKey(key *ecdsa.PrivateKey, parts, threshold int) ([]KeyShare, error) {
	secret := crypto.FromECDSA(key)
	defer wipeBytes(secret)

	raw, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split key: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	shares := make([]KeyShare, len(raw))
	for i, share := range raw {
		shares[i] = KeyShare{
			Address:   address,
			Index:     i + 1,
			Threshold: threshold,
			Share:     share,
		}
	}
	return shares, nil
}

// CombineKey reconstructs the key from at least Threshold shares and checks
// the result against the recorded address.
func CombineKey(shares []KeyShare) (*ecdsa.PrivateKey, error) {
	if len(shares) == 0 {
		return nil, ErrNotEnoughShares
	}
	address, threshold := shares[0].Address, shares[0].Threshold
	raw := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if s.Address != address || s.Threshold != threshold {
			return nil, ErrMismatchedShares
		}
		raw = append(raw, s.Share)
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(shares), threshold)
	}

	secret, err := shamir.Combine(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to combine key shares: %w", err)
	}
	defer wipeBytes(secret)

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("combined shares are not a valid key: %w", err)
	}
	if got := crypto.PubkeyToAddress(key.PublicKey); got != address {
		return nil, fmt.Errorf("%w: combined key is %s, expected %s", ErrMismatchedShares, got, address)
	}
	return key, nil
}

// WriteKeyShares writes each share to dir/share-<index>.json and returns the
// file paths.
func WriteKeyShares(dir string, shares []KeyShare) ([]string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(shares))
	for _, s := range shares {
		raw, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("share-%d.json", s.Index))
		if err := os.WriteFile(path, raw, 0600); err != nil {
			return nil, fmt.Errorf("failed to write share: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadKeyShares loads share files and combines them.
func ReadKeyShares(paths []string) (*ecdsa.PrivateKey, error) {
	shares := make([]KeyShare, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var s KeyShare
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid share file %s: %w", path, err)
		}
		shares = append(shares, s)
	}
	return CombineKey(shares)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
