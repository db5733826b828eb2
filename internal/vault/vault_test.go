package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := Encrypt([]byte("bg_api_key_123"), "hunter2")
	require.NoError(t, err)

	plain, err := Decrypt(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, "bg_api_key_123", string(plain))
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := Encrypt([]byte("secret"), "correct")
	require.NoError(t, err)

	_, err = Decrypt(blob, "wrong")
	require.Error(t, err)
}

func TestEncryptUniqueBlobs(t *testing.T) {
	a, err := Encrypt([]byte("same"), "pw")
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), "pw")
	require.NoError(t, err)

	// Random salt and nonce must make repeated encryptions differ.
	require.NotEqual(t, string(a), string(b))
}

type fakeKeyStore struct {
	rows map[string]domain.EncryptedCredentials
}

func (f *fakeKeyStore) Get(_ context.Context, userID string) (domain.EncryptedCredentials, error) {
	row, ok := f.rows[userID]
	if !ok {
		return domain.EncryptedCredentials{}, domain.ErrNotFound
	}
	return row, nil
}

func (f *fakeKeyStore) Upsert(_ context.Context, c domain.EncryptedCredentials) error {
	if f.rows == nil {
		f.rows = map[string]domain.EncryptedCredentials{}
	}
	f.rows[c.UserID] = c
	return nil
}

func TestVaultStoreAndResolve(t *testing.T) {
	store := &fakeKeyStore{}
	v, err := New("master", store)
	require.NoError(t, err)

	in := domain.Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}
	require.NoError(t, v.Store(context.Background(), "u1", in))

	out, err := v.Credentials(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestVaultNotConfigured(t *testing.T) {
	v, err := New("master", &fakeKeyStore{})
	require.NoError(t, err)

	_, err = v.Credentials(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestVaultInactive(t *testing.T) {
	store := &fakeKeyStore{}
	v, err := New("master", store)
	require.NoError(t, err)
	require.NoError(t, v.Store(context.Background(), "u1", domain.Credentials{APIKey: "k"}))

	row := store.rows["u1"]
	row.Active = false
	store.rows["u1"] = row

	_, err = v.Credentials(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrInactive)
}
