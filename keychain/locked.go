package keychain

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	lockedSuffix = ".locked"
	sealInfo     = "mobileauth keychain sealed item v1"
)

// UnlockReason is shown by the host prompt when a locked item is accessed.
const UnlockReason = "Authenticate to access your session"

func (k *Keychain) currentUnlocker() (Unlocker, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.unlocker == nil {
		return nil, ErrLockedUnavailable
	}
	return k.unlocker, nil
}

// SetLocked seals value with a key derived from the secret the Unlocker
// releases and stores it next to (not in place of) any plain item.
func (k *Keychain) SetLocked(ctx context.Context, ns Namespace, key string, value []byte) error {
	u, err := k.currentUnlocker()
	if err != nil {
		return err
	}
	secret, err := u.Unlock(ctx, UnlockReason)
	if err != nil {
		return fmt.Errorf("keychain unlock: %w", err)
	}
	sealed, err := seal(secret, key, value)
	if err != nil {
		return err
	}
	return k.SetBytes(ctx, ns, key+lockedSuffix, sealed)
}

// GetLocked prompts through the Unlocker and opens the sealed item.
func (k *Keychain) GetLocked(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	sealed, ok, err := k.GetBytes(ctx, ns, key+lockedSuffix)
	if err != nil || !ok {
		return nil, ok, err
	}
	u, err := k.currentUnlocker()
	if err != nil {
		return nil, false, err
	}
	secret, err := u.Unlock(ctx, UnlockReason)
	if err != nil {
		return nil, false, fmt.Errorf("keychain unlock: %w", err)
	}
	v, err := open(secret, key, sealed)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// HasLocked reports whether a sealed item exists without prompting.
func (k *Keychain) HasLocked(ctx context.Context, ns Namespace, key string) (bool, error) {
	_, ok, err := k.GetBytes(ctx, ns, key+lockedSuffix)
	return ok, err
}

func (k *Keychain) DeleteLocked(ctx context.Context, ns Namespace, key string) error {
	return k.Delete(ctx, ns, key+lockedSuffix)
}

func itemKey(secret []byte, name string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(name), []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keychain derive key: %w", err)
	}
	return key, nil
}

func seal(secret []byte, name string, plaintext []byte) ([]byte, error) {
	key, err := itemKey(secret, name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keychain nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func open(secret []byte, name string, sealed []byte) ([]byte, error) {
	key, err := itemKey(secret, name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrUnlockFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, ErrUnlockFailed
	}
	return plain, nil
}
