package cancel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Credentials are the plaintext login details for a subscription service.
// They exist in memory only at the edges: sealed before a request enters
// the engine, opened inside the executor that drives the provider session.
type Credentials struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// CredentialHandle is an opaque sealed credential blob. The engine stores
// and forwards it without ever being able to read the plaintext.
type CredentialHandle string

// Vault seals and opens credential handles using AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a raw 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewVaultFromPassphrase derives the vault key from a passphrase and salt
// with PBKDF2-SHA256.
func NewVaultFromPassphrase(passphrase string, salt []byte) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase must not be empty")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("vault salt must be at least 8 bytes, got %d", len(salt))
	}
	key := pbkdf2.Key([]byte(passphrase), salt, 480000, 32, sha256.New)
	return NewVault(key)
}

// Seal encrypts credentials into an opaque handle. Each call uses a fresh
// nonce, so sealing the same credentials twice yields different handles.
func (v *Vault) Seal(creds Credentials) (CredentialHandle, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return CredentialHandle(base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a handle back into credentials. A handle sealed with a
// different key fails authentication.
func (v *Vault) Open(handle CredentialHandle) (Credentials, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(string(handle))
	if err != nil {
		return Credentials{}, fmt.Errorf("decode credential handle: %w", err)
	}
	if len(sealed) < v.aead.NonceSize() {
		return Credentials{}, fmt.Errorf("credential handle too short")
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("open credential handle: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// Reseal opens a handle with this vault and seals it with the target vault.
// Used for key rotation.
func (v *Vault) Reseal(handle CredentialHandle, target *Vault) (CredentialHandle, error) {
	creds, err := v.Open(handle)
	if err != nil {
		return "", err
	}
	return target.Seal(creds)
}

// SanitizeForLog returns a copy of the credentials safe for log output.
// The password is fully masked and the email local part is reduced to its
// first character.
func SanitizeForLog(creds Credentials) Credentials {
	out := Credentials{Email: maskEmail(creds.Email)}
	if creds.Password != "" {
		out.Password = "***"
	}
	if len(creds.Extra) > 0 {
		out.Extra = make(map[string]string, len(creds.Extra))
		for k := range creds.Extra {
			out.Extra[k] = "***"
		}
	}
	return out
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
