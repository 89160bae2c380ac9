// Package keychain provides the capability-scoped secure key-value storage
// that the session layer persists its records and secrets in.
//
// Items live in one of two namespaces. The Local namespace is private to one
// application install. The Shared namespace is scoped by an access group and
// may be backed by a different Backend so that several applications of the
// same security group can share device identity and single sign-on state.
//
// Backends only need atomic per-key operations; the keychain adds no locking
// of its own beyond what callers serialize in-process.
package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	// ErrNotFound is returned by a Backend when the key has no value.
	ErrNotFound = errors.New("keychain: item not found")

	// ErrLockedUnavailable is returned by the locked variants when no
	// Unlocker has been configured.
	ErrLockedUnavailable = errors.New("keychain: locked storage requires an unlocker")

	// ErrUnlockFailed is returned when a sealed item cannot be opened with the
	// secret released by the Unlocker.
	ErrUnlockFailed = errors.New("keychain: unable to open locked item")
)

// Backend is the raw storage contract. Implementations must make each call
// atomic for a single (namespace, key) pair.
type Backend interface {
	// Get returns ErrNotFound when the key has no value.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, namespace, key string) error
}

// Namespace selects the partition an item is stored in.
type Namespace int

const (
	Local Namespace = iota
	Shared
)

func (n Namespace) String() string {
	if n == Shared {
		return "shared"
	}
	return "local"
}

// Unlocker releases the secret protecting locked items after the device
// owner authenticates (passcode, biometric). Implementations block until the
// prompt resolves or ctx is done.
type Unlocker interface {
	Unlock(ctx context.Context, reason string) ([]byte, error)
}

// UnlockerFunc adapts a function to the Unlocker interface.
type UnlockerFunc func(ctx context.Context, reason string) ([]byte, error)

func (f UnlockerFunc) Unlock(ctx context.Context, reason string) ([]byte, error) {
	return f(ctx, reason)
}

// Keychain is the typed facade over a local and a shared Backend.
type Keychain struct {
	local    Backend
	shared   Backend
	localNS  string
	sharedNS string

	mu       sync.RWMutex
	unlocker Unlocker
}

// Option configures a Keychain.
type Option func(*Keychain)

// WithSharedBackend stores Shared items in b under the given access group.
func WithSharedBackend(b Backend, accessGroup string) Option {
	return func(k *Keychain) {
		if b != nil {
			k.shared = b
		}
		if accessGroup != "" {
			k.sharedNS = "shared:" + accessGroup
		}
	}
}

// WithAccessGroup scopes the Shared namespace without changing its backend.
func WithAccessGroup(accessGroup string) Option {
	return WithSharedBackend(nil, accessGroup)
}

// WithUnlocker enables the locked variants.
func WithUnlocker(u Unlocker) Option {
	return func(k *Keychain) {
		k.unlocker = u
	}
}

// New creates a Keychain whose Local namespace is scoped to appID. Unless
// WithSharedBackend says otherwise, Shared items go to the same backend.
func New(local Backend, appID string, opts ...Option) *Keychain {
	if appID == "" {
		appID = "default"
	}
	k := &Keychain{
		local:    local,
		shared:   local,
		localNS:  "local:" + appID,
		sharedNS: "shared:" + appID,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// SetUnlocker replaces the Unlocker used by the locked variants.
func (k *Keychain) SetUnlocker(u Unlocker) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unlocker = u
}

// HasUnlocker reports whether locked storage is available.
func (k *Keychain) HasUnlocker() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.unlocker != nil
}

func (k *Keychain) backend(ns Namespace) (Backend, string) {
	if ns == Shared {
		return k.shared, k.sharedNS
	}
	return k.local, k.localNS
}

// GetBytes returns the value and whether it was present.
func (k *Keychain) GetBytes(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	b, name := k.backend(ns)
	v, err := b.Get(ctx, name, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keychain get %s/%s: %w", ns, key, err)
	}
	return v, true, nil
}

func (k *Keychain) SetBytes(ctx context.Context, ns Namespace, key string, value []byte) error {
	b, name := k.backend(ns)
	if err := b.Put(ctx, name, key, value); err != nil {
		return fmt.Errorf("keychain put %s/%s: %w", ns, key, err)
	}
	return nil
}

func (k *Keychain) GetString(ctx context.Context, ns Namespace, key string) (string, bool, error) {
	v, ok, err := k.GetBytes(ctx, ns, key)
	return string(v), ok, err
}

func (k *Keychain) SetString(ctx context.Context, ns Namespace, key, value string) error {
	return k.SetBytes(ctx, ns, key, []byte(value))
}

func (k *Keychain) GetInt64(ctx context.Context, ns Namespace, key string) (int64, bool, error) {
	v, ok, err := k.GetBytes(ctx, ns, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("keychain %s/%s is not a number: %w", ns, key, err)
	}
	return n, true, nil
}

func (k *Keychain) SetInt64(ctx context.Context, ns Namespace, key string, value int64) error {
	return k.SetBytes(ctx, ns, key, []byte(strconv.FormatInt(value, 10)))
}

// GetJSON decodes the stored value into out and reports whether it existed.
func (k *Keychain) GetJSON(ctx context.Context, ns Namespace, key string, out any) (bool, error) {
	v, ok, err := k.GetBytes(ctx, ns, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("keychain %s/%s: invalid json: %w", ns, key, err)
	}
	return true, nil
}

func (k *Keychain) SetJSON(ctx context.Context, ns Namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("keychain %s/%s: %w", ns, key, err)
	}
	return k.SetBytes(ctx, ns, key, data)
}

// Delete removes an item. Missing items are not an error.
func (k *Keychain) Delete(ctx context.Context, ns Namespace, key string) error {
	b, name := k.backend(ns)
	if err := b.Delete(ctx, name, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("keychain delete %s/%s: %w", ns, key, err)
	}
	return nil
}
