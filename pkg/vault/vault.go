// Package vault encrypts vendor credentials at rest.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// KeySize is the required length of the process-wide secret (AES-256).
const KeySize = 32

// Vault encrypts and decrypts strings with AES-256-GCM. The nonce is
// prepended to the sealed bytes and the result is base64 encoded so it can be
// stored in any text column.
type Vault struct {
	aead cipher.AEAD
}

// Configured registers the encryption key flag and returns a Vault that is
// usable once lflag.Configure has run. A bad key exits the process.
func Configured() *Vault {
	key := lflag.RequiredString("credentials-encryption-key", "Key for encrypting vendor credentials (32 bytes)")

	v := &Vault{}
	lflag.Do(func() {
		nv, err := New(*key)
		if err != nil {
			log.Ctx(context.Background()).Error("invalid credentials-encryption-key", slog.Any("error", err))
			os.Exit(1)
		}
		*v = *nv
	})
	return v
}

// New returns a Vault keyed by key. The key must be exactly KeySize bytes.
func New(key string) (*Vault, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: no encryption key configured", types.ErrConfig)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", types.ErrConfig, KeySize, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", types.ErrConfig, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gcm: %v", types.ErrConfig, err)
	}
	return &Vault{aead: gcm}, nil
}

// Encrypt seals plaintext and returns the base64 ciphertext.
func (v *Vault) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if v.aead == nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt: vault not configured")
		return "", fmt.Errorf("%w: vault not configured", types.ErrCrypto)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return "", fmt.Errorf("%w: failed to generate nonce: %v", types.ErrCrypto, err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered input, a wrong key
// or malformed input all return an error wrapping types.ErrCrypto.
func (v *Vault) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if v.aead == nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt: vault not configured")
		return "", fmt.Errorf("%w: vault not configured", types.ErrCrypto)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "malformed ciphertext encoding", slog.Any("error", err))
		return "", fmt.Errorf("%w: malformed ciphertext encoding", types.ErrCrypto)
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed ciphertext", slog.Int("length", len(raw)))
		return "", fmt.Errorf("%w: malformed ciphertext", types.ErrCrypto)
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt", slog.Any("error", err))
		return "", fmt.Errorf("%w: failed to decrypt: %v", types.ErrCrypto, err)
	}
	return string(plaintext), nil
}
