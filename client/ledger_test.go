package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/panyam/mobileauth/keychain"
)

func newTestLedger(t *testing.T, opts ...keychain.Option) (*Ledger, *clockwork.FakeClock, *keychain.Keychain) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	kc := keychain.New(keychain.NewMemoryBackend(), "com.example.ledger", opts...)
	return NewLedger(kc, clock, nil), clock, kc
}

func testUnlocker() keychain.Unlocker {
	return keychain.UnlockerFunc(func(ctx context.Context, reason string) ([]byte, error) {
		return []byte("device-passcode"), nil
	})
}

func TestLedger_StoreDerivesExpiry(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)

	rec, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, Scope: "openid msso"})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if want := clock.Now().Add(time.Hour); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}
	if !l.IsAccessTokenValid(ctx) {
		t.Errorf("IsAccessTokenValid() = false, want true")
	}

	clock.Advance(59 * time.Minute)
	if !l.IsAccessTokenValid(ctx) {
		t.Errorf("IsAccessTokenValid() after 59m = false, want true")
	}
	clock.Advance(time.Minute)
	if l.IsAccessTokenValid(ctx) {
		t.Errorf("IsAccessTokenValid() after 60m = true, want false")
	}
	if tok, _ := l.AccessToken(ctx); tok != "" {
		t.Errorf("AccessToken() after expiry = %q, want empty", tok)
	}
}

// A later store always moves the expiry forward from the clock at the
// time of writing, even for a shorter lifetime.
func TestLedger_ExpiryFollowsClock(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)

	first, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", ExpiresIn: 3600})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	clock.Advance(50 * time.Minute)
	second, err := l.Store(ctx, &TokenResponse{AccessToken: "a2", ExpiresIn: 1800})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("second ExpiresAt %v not after first %v", second.ExpiresAt, first.ExpiresAt)
	}
}

func TestLedger_StoreKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", RefreshToken: "r1", IDToken: "id1", IDTokenType: "jwt", ExpiresIn: 60}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	rec, err := l.Store(ctx, &TokenResponse{AccessToken: "a2", ExpiresIn: 60})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if rec.RefreshToken != "r1" {
		t.Errorf("RefreshToken = %q, want r1", rec.RefreshToken)
	}
	if rec.IDToken != "id1" {
		t.Errorf("IDToken = %q, want id1", rec.IDToken)
	}
}

func TestLedger_StoreRejectsEmpty(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if _, err := l.Store(context.Background(), &TokenResponse{}); !IsCode(err, CodeAccessTokenInvalid) {
		t.Errorf("Store(empty) error = %v, want %s", err, CodeAccessTokenInvalid)
	}
}

func TestLedger_RequestingScope(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	l.SetRequestingScope([]string{"openid", "payments"})
	rec, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", ExpiresIn: 60})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !rec.HasScope([]string{"payments"}) {
		t.Errorf("Scope = %v, want requesting scope applied", rec.Scope)
	}
	if got := l.RequestingScope(); len(got) != 0 {
		t.Errorf("RequestingScope() after store = %v, want empty", got)
	}
}

func TestLedger_ClearForExpiration(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", RefreshToken: "r1", IDToken: "id1", ExpiresIn: 60}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := l.ClearForExpiration(ctx); err != nil {
		t.Fatalf("ClearForExpiration() error = %v", err)
	}
	rec, err := l.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if rec == nil || rec.RefreshToken != "r1" {
		t.Fatalf("Current() = %+v, want refresh token kept", rec)
	}
	if rec.AccessToken != "" {
		t.Errorf("AccessToken = %q, want cleared", rec.AccessToken)
	}
	if id, _, _ := l.IDToken(ctx); id != "" {
		t.Errorf("IDToken() = %q, want cleared", id)
	}
}

func TestLedger_ClearForLogout(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", RefreshToken: "r1", IDToken: "id1", ExpiresIn: 60}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := l.ClearForLogout(ctx); err != nil {
		t.Fatalf("ClearForLogout() error = %v", err)
	}
	if rec, _ := l.Current(ctx); rec != nil && (rec.AccessToken != "" || rec.RefreshToken != "") {
		t.Errorf("Current() = %+v, want tokens cleared", rec)
	}
	if id, _, _ := l.IDToken(ctx); id != "" {
		t.Errorf("IDToken() = %q, want cleared", id)
	}
}

func TestLedger_LockUnlock(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, keychain.WithUnlocker(testUnlocker()))

	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", RefreshToken: "r1", IDToken: "id1", ExpiresIn: 600}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !l.IsLocked(ctx) {
		t.Fatalf("IsLocked() = false, want true")
	}
	if l.IsAccessTokenValid(ctx) {
		t.Errorf("IsAccessTokenValid() while locked = true, want false")
	}
	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a2", ExpiresIn: 600}); !IsCode(err, CodeUserSessionIsCurrentlyLocked) {
		t.Errorf("Store() while locked error = %v, want %s", err, CodeUserSessionIsCurrentlyLocked)
	}

	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if l.IsLocked(ctx) {
		t.Errorf("IsLocked() after unlock = true, want false")
	}
	if tok, _ := l.AccessToken(ctx); tok != "a1" {
		t.Errorf("AccessToken() after unlock = %q, want a1", tok)
	}
}

func TestLedger_LockWithoutTokens(t *testing.T) {
	ctx := context.Background()
	prompts := 0
	l, _, _ := newTestLedger(t, keychain.WithUnlocker(keychain.UnlockerFunc(func(ctx context.Context, reason string) ([]byte, error) {
		prompts++
		return []byte("device-passcode"), nil
	})))

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !l.IsLocked(ctx) {
		t.Fatalf("IsLocked() = false, want true with nothing sealed")
	}
	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", ExpiresIn: 600}); !IsCode(err, CodeUserSessionIsCurrentlyLocked) {
		t.Errorf("Store() while locked error = %v, want %s", err, CodeUserSessionIsCurrentlyLocked)
	}

	before := prompts
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if prompts == before {
		t.Error("Unlock() did not ask the device owner")
	}
	if l.IsLocked(ctx) {
		t.Error("IsLocked() after unlock = true, want false")
	}
}

func TestLedger_ClearAllDropsLock(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, keychain.WithUnlocker(testUnlocker()))
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := l.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if l.IsLocked(ctx) {
		t.Error("IsLocked() after ClearAll = true, want false")
	}
}

func TestLedger_LockUnavailable(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if err := l.Lock(context.Background()); !IsCode(err, CodeUserSessionLockUnavailable) {
		t.Errorf("Lock() error = %v, want %s", err, CodeUserSessionLockUnavailable)
	}
}

func TestLedger_UnlockRefused(t *testing.T) {
	ctx := context.Background()
	refuse := false
	l, _, kc := newTestLedger(t, keychain.WithUnlocker(keychain.UnlockerFunc(func(ctx context.Context, reason string) ([]byte, error) {
		if refuse {
			return nil, errors.New("user cancelled")
		}
		return []byte("device-passcode"), nil
	})))

	if _, err := l.Store(ctx, &TokenResponse{AccessToken: "a1", ExpiresIn: 600}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	refuse = true
	if err := l.Unlock(ctx); !IsCode(err, CodeUserSessionCouldNotBeUnlocked) {
		t.Errorf("Unlock() error = %v, want %s", err, CodeUserSessionCouldNotBeUnlocked)
	}
	if ok, _ := kc.HasLocked(ctx, keychain.Local, keyTokenRecord); !ok {
		t.Errorf("sealed record dropped after refused unlock")
	}
}
