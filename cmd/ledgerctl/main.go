package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/api/clients"
	"github.com/ruteri/did-credential-ledger/cmd/flags"
	"github.com/ruteri/did-credential-ledger/cryptoutils"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/urfave/cli/v2"
)

var flagKey = &cli.StringFlag{
	Name:    "key",
	Usage:   "hex-encoded secp256k1 private key",
	EnvVars: []string{"LEDGER_KEY"},
}
var flagKeyFile = &cli.StringFlag{
	Name:    "key-file",
	Usage:   "encrypted key file created by keygen",
	EnvVars: []string{"LEDGER_KEY_FILE"},
}
var flagPassphraseEnv = &cli.StringFlag{
	Name:  "passphrase-env",
	Value: "LEDGER_KEY_PASSPHRASE",
	Usage: "environment variable holding the key file passphrase",
}
var flagHolder = &cli.StringFlag{
	Name:     "holder",
	Required: true,
	Usage:    "holder account, 40-char hex",
}
var flagHash = &cli.StringFlag{
	Name:  "hash",
	Usage: "credential hash, 64-char hex",
}
var flagPayload = &cli.StringFlag{
	Name:  "payload",
	Usage: "credential payload file; its keccak256 is used as the credential hash",
}

func main() {
	app := &cli.App{
		Name:  "ledgerctl",
		Usage: "Manage identities and credentials on a DID credential ledger",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
			flagKey,
			flagKeyFile,
			flagPassphraseEnv,
		},
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a key and write it encrypted to --out",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Required: true, Usage: "key file path"},
				},
				Action: keygen,
			},
			{
				Name:  "split-key",
				Usage: "split the signing key into Shamir shares written to --out-dir",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out-dir", Required: true, Usage: "directory for share-<n>.json files"},
					&cli.IntFlag{Name: "shares", Value: 5, Usage: "number of shares"},
					&cli.IntFlag{Name: "threshold", Value: 3, Usage: "shares needed to recover the key"},
				},
				Action: splitKey,
			},
			{
				Name:   "register",
				Usage:  "bind the signing key's account to its DID",
				Action: register,
			},
			{
				Name:      "resolve",
				Usage:     "print the DID bound to an account",
				ArgsUsage: "<account>",
				Action:    resolve,
			},
			{
				Name:   "issue",
				Usage:  "issue a credential from the signing key's account",
				Flags:  []cli.Flag{flagHolder, flagHash, flagPayload},
				Action: issue,
			},
			{
				Name:   "verify",
				Usage:  "check whether a credential is active",
				Flags:  []cli.Flag{flagHolder, flagHash, flagPayload},
				Action: verify,
			},
			{
				Name:   "revoke",
				Usage:  "revoke a credential as its holder or issuer",
				Flags:  []cli.Flag{flagHolder, flagHash, flagPayload},
				Action: revoke,
			},
			{
				Name:  "events",
				Usage: "print a page of the event log",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "from", Value: 1},
					&cli.IntFlag{Name: "limit", Value: 100},
				},
				Action: events,
			},
			{
				Name:  "checkpoint",
				Usage: "create or show signed checkpoints",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "archive events since the last checkpoint",
						Action: createCheckpoint,
					},
					{
						Name:   "latest",
						Usage:  "print the latest checkpoint",
						Action: latestCheckpoint,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func loadKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	if hexKey := cCtx.String(flagKey.Name); hexKey != "" {
		return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	}
	if path := cCtx.String(flagKeyFile.Name); path != "" {
		return cryptoutils.ReadKeyFile(path, []byte(os.Getenv(cCtx.String(flagPassphraseEnv.Name))))
	}
	return nil, nil
}

func requireKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	key, err := loadKey(cCtx)
	if err != nil {
		return nil, fmt.Errorf("could not load key: %w", err)
	}
	if key == nil {
		return nil, errors.New("a signing key is required, set --key or --key-file")
	}
	return key, nil
}

func newClient(cCtx *cli.Context, key *ecdsa.PrivateKey) *clients.LedgerClient {
	opts := []clients.Option{}
	if key != nil {
		opts = append(opts, clients.WithSigningKey(key))
	}
	return clients.NewLedgerClient(cCtx.String(flags.ServerAddrFlag.Name), opts...)
}

func credentialHash(cCtx *cli.Context) (interfaces.CredentialHash, error) {
	hash, payload := cCtx.String(flagHash.Name), cCtx.String(flagPayload.Name)
	switch {
	case hash != "" && payload != "":
		return interfaces.CredentialHash{}, errors.New("set only one of --hash and --payload")
	case hash != "":
		return interfaces.NewCredentialHashFromHex(hash)
	case payload != "":
		raw, err := os.ReadFile(payload)
		if err != nil {
			return interfaces.CredentialHash{}, fmt.Errorf("could not read payload: %w", err)
		}
		return interfaces.ComputeCredentialHash(raw), nil
	default:
		return interfaces.CredentialHash{}, errors.New("one of --hash or --payload is required")
	}
}

func holderAndHash(cCtx *cli.Context) (interfaces.Account, interfaces.CredentialHash, error) {
	holder, err := interfaces.NewAccountFromHex(cCtx.String(flagHolder.Name))
	if err != nil {
		return interfaces.Account{}, interfaces.CredentialHash{}, fmt.Errorf("could not parse holder: %w", err)
	}
	hash, err := credentialHash(cCtx)
	if err != nil {
		return interfaces.Account{}, interfaces.CredentialHash{}, err
	}
	return holder, hash, nil
}

func keygen(cCtx *cli.Context) error {
	passphrase := os.Getenv(cCtx.String(flagPassphraseEnv.Name))
	if passphrase == "" {
		return fmt.Errorf("set the passphrase in $%s", cCtx.String(flagPassphraseEnv.Name))
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if _, err := cryptoutils.WriteKeyFile(cCtx.String("out"), key, []byte(passphrase)); err != nil {
		return err
	}
	pubkey := crypto.FromECDSAPub(&key.PublicKey)
	return printJSON(map[string]any{
		"account":    clients.AccountOf(key),
		"public_key": hexutil.Bytes(pubkey),
		"did":        interfaces.NewDID(pubkey),
		"key_file":   cCtx.String("out"),
	})
}

func splitKey(cCtx *cli.Context) error {
	key, err := requireKey(cCtx)
	if err != nil {
		return err
	}
	shares, err := cryptoutils.SplitKey(key, cCtx.Int("shares"), cCtx.Int("threshold"))
	if err != nil {
		return err
	}
	paths, err := cryptoutils.WriteKeyShares(cCtx.String("out-dir"), shares)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"account":   clients.AccountOf(key),
		"threshold": cCtx.Int("threshold"),
		"shares":    paths,
	})
}

func register(cCtx *cli.Context) error {
	key, err := requireKey(cCtx)
	if err != nil {
		return err
	}
	resp, err := newClient(cCtx, key).Register(cCtx.Context, clients.AccountOf(key), crypto.FromECDSAPub(&key.PublicKey))
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return printJSON(resp)
}

func resolve(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return errors.New("expected exactly one account argument")
	}
	account, err := interfaces.NewAccountFromHex(cCtx.Args().First())
	if err != nil {
		return fmt.Errorf("could not parse account: %w", err)
	}
	resp, err := newClient(cCtx, nil).Resolve(cCtx.Context, account)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	return printJSON(resp)
}

func issue(cCtx *cli.Context) error {
	key, err := requireKey(cCtx)
	if err != nil {
		return err
	}
	holder, hash, err := holderAndHash(cCtx)
	if err != nil {
		return err
	}
	resp, err := newClient(cCtx, key).Issue(cCtx.Context, clients.AccountOf(key), holder, hash)
	if err != nil {
		return fmt.Errorf("issue failed: %w", err)
	}
	return printJSON(resp)
}

func verify(cCtx *cli.Context) error {
	holder, hash, err := holderAndHash(cCtx)
	if err != nil {
		return err
	}
	resp, err := newClient(cCtx, nil).Verify(cCtx.Context, holder, hash)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	return printJSON(resp)
}

func revoke(cCtx *cli.Context) error {
	key, err := loadKey(cCtx)
	if err != nil {
		return fmt.Errorf("could not load key: %w", err)
	}
	holder, hash, err := holderAndHash(cCtx)
	if err != nil {
		return err
	}
	resp, err := newClient(cCtx, key).Revoke(cCtx.Context, holder, hash)
	if err != nil {
		return fmt.Errorf("revoke failed: %w", err)
	}
	return printJSON(resp)
}

func events(cCtx *cli.Context) error {
	resp, err := newClient(cCtx, nil).Events(cCtx.Context, cCtx.Uint64("from"), cCtx.Int("limit"))
	if err != nil {
		return fmt.Errorf("events request failed: %w", err)
	}
	return printJSON(resp)
}

func createCheckpoint(cCtx *cli.Context) error {
	resp, err := newClient(cCtx, nil).CreateCheckpoint(cCtx.Context)
	if err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return printJSON(resp)
}

func latestCheckpoint(cCtx *cli.Context) error {
	resp, err := newClient(cCtx, nil).LatestCheckpoint(cCtx.Context)
	if err != nil {
		return fmt.Errorf("checkpoint request failed: %w", err)
	}
	return printJSON(resp)
}
