package auth

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCredentials map[interfaces.CredentialKey]interfaces.CredentialRecord

func (s stubCredentials) Verify(holder interfaces.Account, hash interfaces.CredentialHash) bool {
	rec, ok := s[interfaces.CredentialKey{Holder: holder, Hash: hash}]
	return ok && rec.Status == interfaces.StatusActive
}

func (s stubCredentials) Credential(holder interfaces.Account, hash interfaces.CredentialHash) (interfaces.CredentialRecord, bool) {
	rec, ok := s[interfaces.CredentialKey{Holder: holder, Hash: hash}]
	return rec, ok
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, interfaces.Account) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, AccountFromKey(&key.PublicKey)
}

func TestDigestCoversEveryField(t *testing.T) {
	deadline := time.Unix(1700000000, 0)
	base := Command{
		Op:             OpIssue,
		Account:        interfaces.Account{1},
		PublicKey:      []byte("pk"),
		Issuer:         interfaces.Account{2},
		Holder:         interfaces.Account{3},
		CredentialHash: interfaces.CredentialHash{4},
		Deadline:       deadline.Unix(),
	}

	variants := []func(*Command){
		func(c *Command) { c.Op = OpRevoke },
		func(c *Command) { c.Account[0] = 9 },
		func(c *Command) { c.PublicKey = []byte("pk2") },
		func(c *Command) { c.Issuer[0] = 9 },
		func(c *Command) { c.Holder[0] = 9 },
		func(c *Command) { c.CredentialHash[0] = 9 },
		func(c *Command) { c.Deadline++ },
	}
	for i, mutate := range variants {
		cmd := base
		cmd.PublicKey = append([]byte(nil), base.PublicKey...)
		mutate(&cmd)
		assert.NotEqual(t, base.Digest(), cmd.Digest(), "variant %d", i)
	}
	assert.Equal(t, base.Digest(), base.Digest())
}

func TestSignAndRecover(t *testing.T) {
	key, account := newKey(t)
	cmd := RegisterCommand(account, []byte("ownerPublicKey"), time.Now().Add(time.Minute))

	sig, err := Sign(cmd, key)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	signer, err := Signer(cmd, sig)
	require.NoError(t, err)
	assert.Equal(t, account, signer)

	_, err = Signer(cmd, sig[:10])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAuthorize(t *testing.T) {
	now := time.Unix(1700000000, 0)
	deadline := now.Add(time.Minute)
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	issuerKey, issuer := newKey(t)
	holderKey, holder := newKey(t)
	strangerKey, _ := newKey(t)

	creds := stubCredentials{
		{Holder: holder, Hash: hash}: {Holder: holder, Issuer: issuer, Hash: hash, Status: interfaces.StatusActive},
	}
	a := NewAuthorizer(creds, 0)

	tests := []struct {
		name    string
		cmd     Command
		key     *ecdsa.PrivateKey
		want    interfaces.Account
		wantErr error
	}{
		{"register by self", RegisterCommand(holder, []byte("pk"), deadline), holderKey, holder, nil},
		{"register for another account", RegisterCommand(holder, []byte("pk"), deadline), strangerKey, interfaces.Account{}, ErrUnauthorized},
		{"issue by issuer", IssueCommand(issuer, holder, hash, deadline), issuerKey, issuer, nil},
		{"issue impersonating issuer", IssueCommand(issuer, holder, hash, deadline), holderKey, interfaces.Account{}, ErrUnauthorized},
		{"revoke by holder", RevokeCommand(holder, hash, deadline), holderKey, holder, nil},
		{"revoke by recorded issuer", RevokeCommand(holder, hash, deadline), issuerKey, issuer, nil},
		{"revoke by stranger", RevokeCommand(holder, hash, deadline), strangerKey, interfaces.Account{}, ErrUnauthorized},
		{"revoke unknown credential by issuer", RevokeCommand(holder, interfaces.CredentialHash{1}, deadline), issuerKey, interfaces.Account{}, ErrUnauthorized},
		{"expired", IssueCommand(issuer, holder, hash, now.Add(-time.Second)), issuerKey, interfaces.Account{}, ErrSignatureExpired},
		{"deadline too far", IssueCommand(issuer, holder, hash, now.Add(time.Hour)), issuerKey, interfaces.Account{}, ErrDeadlineTooFar},
		{"unknown op", Command{Op: "delete", Deadline: deadline.Unix()}, issuerKey, interfaces.Account{}, ErrUnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Sign(tt.cmd, tt.key)
			require.NoError(t, err)

			signer, err := a.Authorize(tt.cmd, sig, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, signer)
		})
	}
}

func TestAuthorizeRejectsSignatureOverDifferentCommand(t *testing.T) {
	now := time.Unix(1700000000, 0)
	key, issuer := newKey(t)
	_, holder := newKey(t)
	a := NewAuthorizer(stubCredentials{}, time.Minute)

	signed := IssueCommand(issuer, holder, interfaces.CredentialHash{1}, now.Add(30*time.Second))
	sig, err := Sign(signed, key)
	require.NoError(t, err)

	tampered := signed
	tampered.CredentialHash = interfaces.CredentialHash{2}
	_, err = a.Authorize(tampered, sig, now)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeRevokeReadsIssuerAtCheckTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))
	firstKey, first := newKey(t)
	secondKey, second := newKey(t)
	_, holder := newKey(t)

	key := interfaces.CredentialKey{Holder: holder, Hash: hash}
	creds := stubCredentials{key: {Holder: holder, Issuer: first, Hash: hash, Status: interfaces.StatusActive}}
	a := NewAuthorizer(creds, time.Minute)

	cmd := RevokeCommand(holder, hash, now.Add(time.Minute))
	firstSig, err := Sign(cmd, firstKey)
	require.NoError(t, err)
	secondSig, err := Sign(cmd, secondKey)
	require.NoError(t, err)

	signer, err := a.Authorize(cmd, firstSig, now)
	require.NoError(t, err)
	assert.Equal(t, first, signer)

	// A re-issue re-attributes the credential; later checks follow the new issuer.
	creds[key] = interfaces.CredentialRecord{Holder: holder, Issuer: second, Hash: hash, Status: interfaces.StatusActive}

	_, err = a.Authorize(cmd, firstSig, now)
	assert.ErrorIs(t, err, ErrUnauthorized)
	signer, err = a.Authorize(cmd, secondSig, now)
	require.NoError(t, err)
	assert.Equal(t, second, signer)
}
