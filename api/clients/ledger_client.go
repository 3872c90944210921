package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/did-credential-ledger/api"
	"github.com/ruteri/did-credential-ledger/auth"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// DefaultSignatureValidity is how far in the future signed commands expire.
const DefaultSignatureValidity = 2 * time.Minute

// LedgerClient talks to the ledger HTTP API.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	validity   time.Duration
	clock      func() time.Time
}

// Option configures a LedgerClient.
type Option func(*LedgerClient)

// WithSigningKey signs every mutating command with key.
func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(c *LedgerClient) { c.key = key }
}

// WithSignatureValidity sets the deadline offset of signed commands.
func WithSignatureValidity(d time.Duration) Option {
	return func(c *LedgerClient) { c.validity = d }
}

// WithHTTPClient replaces the default client with a 30 second timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *LedgerClient) { c.httpClient = hc }
}

// WithClock overrides the time source used for deadlines.
func WithClock(clock func() time.Time) Option {
	return func(c *LedgerClient) { c.clock = clock }
}

func NewLedgerClient(baseURL string, opts ...Option) *LedgerClient {
	c := &LedgerClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		validity:   DefaultSignatureValidity,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ api.LedgerProvider = (*LedgerClient)(nil)

// AccountOf returns the account controlled by key.
func AccountOf(key *ecdsa.PrivateKey) interfaces.Account {
	return auth.AccountFromKey(&key.PublicKey)
}

func (c *LedgerClient) sign(cmd auth.Command) (api.Signed, error) {
	if c.key == nil {
		return api.Signed{}, nil
	}
	sig, err := auth.Sign(cmd, c.key)
	if err != nil {
		return api.Signed{}, err
	}
	return api.Signed{Signature: sig, Deadline: cmd.Deadline}, nil
}

func (c *LedgerClient) deadline() time.Time {
	return c.clock().Add(c.validity)
}

func (c *LedgerClient) Register(ctx context.Context, account interfaces.Account, publicKey []byte) (*api.RegisterResponse, error) {
	signed, err := c.sign(auth.RegisterCommand(account, publicKey, c.deadline()))
	if err != nil {
		return nil, err
	}
	req := api.RegisterRequest{Account: account, PublicKey: publicKey, Signed: signed}

	var resp api.RegisterResponse
	if err := c.do(ctx, http.MethodPost, api.PathIdentities, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) Resolve(ctx context.Context, account interfaces.Account) (*api.IdentityResponse, error) {
	var resp api.IdentityResponse
	if err := c.do(ctx, http.MethodGet, api.PathIdentities+"/"+account.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) Issue(ctx context.Context, issuer, holder interfaces.Account, hash interfaces.CredentialHash) (*api.CommandResponse, error) {
	signed, err := c.sign(auth.IssueCommand(issuer, holder, hash, c.deadline()))
	if err != nil {
		return nil, err
	}
	req := api.IssueRequest{Issuer: issuer, Holder: holder, CredentialHash: hash, Signed: signed}

	var resp api.CommandResponse
	if err := c.do(ctx, http.MethodPost, api.PathCredentials, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) Verify(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (*api.CredentialResponse, error) {
	var resp api.CredentialResponse
	if err := c.do(ctx, http.MethodGet, credentialPath(holder, hash), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) Revoke(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (*api.CommandResponse, error) {
	signed, err := c.sign(auth.RevokeCommand(holder, hash, c.deadline()))
	if err != nil {
		return nil, err
	}

	var resp api.CommandResponse
	if err := c.do(ctx, http.MethodPost, credentialPath(holder, hash)+"/revoke", api.RevokeRequest{Signed: signed}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) Events(ctx context.Context, fromSeq uint64, limit int) (*api.EventsResponse, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatUint(fromSeq, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp api.EventsResponse
	if err := c.do(ctx, http.MethodGet, api.PathEvents+"?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) CreateCheckpoint(ctx context.Context) (*api.CheckpointResponse, error) {
	var resp api.CheckpointResponse
	if err := c.do(ctx, http.MethodPost, api.PathCheckpoints, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LedgerClient) LatestCheckpoint(ctx context.Context) (*api.CheckpointResponse, error) {
	var resp api.CheckpointResponse
	if err := c.do(ctx, http.MethodGet, api.PathLatestCheckpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func credentialPath(holder interfaces.Account, hash interfaces.CredentialHash) string {
	return fmt.Sprintf("%s/%s/%s", api.PathCredentials, holder, hash)
}

// do sends body as JSON and decodes a 2xx response into out. Other statuses
// are returned as *api.APIError.
func (c *LedgerClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach ledger API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &api.APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var errResp api.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Error
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse ledger API response: %w", err)
	}
	return nil
}
