// Package vault stores and resolves per-user exchange credentials. Fields
// are encrypted at rest with PBKDF2-derived AES-256-GCM; plaintext is never
// cached beyond a single request.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"perpbot/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-field JSON schema version.
	currentVersion = 1
)

// encryptedFieldJSON is the at-rest format for one encrypted credential field.
type encryptedFieldJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Vault decrypts per-user credentials from the API key store using a
// deployment-wide master password.
type Vault struct {
	master string
	keys   domain.APIKeyStore
}

// New creates a Vault over the given key store.
func New(masterPassword string, keys domain.APIKeyStore) (*Vault, error) {
	if masterPassword == "" {
		return nil, errors.New("vault: master password must not be empty")
	}
	return &Vault{master: masterPassword, keys: keys}, nil
}

// Credentials implements domain.CredentialSource.
func (v *Vault) Credentials(ctx context.Context, userID string) (domain.Credentials, error) {
	row, err := v.keys.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Credentials{}, domain.ErrNotConfigured
		}
		return domain.Credentials{}, fmt.Errorf("vault: load key row for %s: %w", userID, err)
	}
	if !row.Active {
		return domain.Credentials{}, domain.ErrInactive
	}

	apiKey, err := Decrypt(row.APIKeyEnc, v.master)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("vault: decrypt api key for %s: %w", userID, err)
	}
	secret, err := Decrypt(row.SecretEnc, v.master)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("vault: decrypt secret for %s: %w", userID, err)
	}
	passphrase, err := Decrypt(row.PassphraseEnc, v.master)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("vault: decrypt passphrase for %s: %w", userID, err)
	}

	return domain.Credentials{
		APIKey:     string(apiKey),
		Secret:     string(secret),
		Passphrase: string(passphrase),
	}, nil
}

// Store encrypts the given plaintext credentials and upserts them for the
// user, marking the key active.
func (v *Vault) Store(ctx context.Context, userID string, creds domain.Credentials) error {
	apiKeyEnc, err := Encrypt([]byte(creds.APIKey), v.master)
	if err != nil {
		return fmt.Errorf("vault: encrypt api key: %w", err)
	}
	secretEnc, err := Encrypt([]byte(creds.Secret), v.master)
	if err != nil {
		return fmt.Errorf("vault: encrypt secret: %w", err)
	}
	passphraseEnc, err := Encrypt([]byte(creds.Passphrase), v.master)
	if err != nil {
		return fmt.Errorf("vault: encrypt passphrase: %w", err)
	}

	return v.keys.Upsert(ctx, domain.EncryptedCredentials{
		UserID:        userID,
		APIKeyEnc:     apiKeyEnc,
		SecretEnc:     secretEnc,
		PassphraseEnc: passphraseEnc,
		Active:        true,
	})
}

// Encrypt encrypts plaintext with a password using PBKDF2-HMAC-SHA256 key
// derivation and AES-256-GCM authenticated encryption. It returns a JSON
// blob suitable for storing in a database column.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("vault: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := encryptedFieldJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.Marshal(out)
}

// Decrypt decrypts a JSON blob produced by Encrypt.
func Decrypt(blob []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("vault: password must not be empty")
	}

	var stored encryptedFieldJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("vault: parsing encrypted blob: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("vault: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vault: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decryption failed (wrong password?): %w", err)
	}
	return plaintext, nil
}

// Compile-time interface check.
var _ domain.CredentialSource = (*Vault)(nil)
