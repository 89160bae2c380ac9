package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/panyam/mobileauth/keychain"
)

// Keychain item names. Tokens are app-local; the id_token is shared so
// apps of the same group can sign in from it.
const (
	keyTokenRecord = "token_record"
	keyIDToken     = "id_token"
	keyIDTokenType = "id_token_type"

	// keySessionLocked is sealed by Lock so that a session with nothing to
	// seal is still locked, and unlocking it still prompts.
	keySessionLocked = "session_locked"
)

// TokenResponse is a successful grant as returned by the gateway.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	IDTokenType  string
	ExpiresIn    int64
	Scope        string
}

// Ledger owns the token record. It never talks to the network.
type Ledger struct {
	mu         sync.Mutex
	kc         *keychain.Keychain
	clock      clockwork.Clock
	logger     *slog.Logger
	requesting []string
}

func NewLedger(kc *keychain.Keychain, clock clockwork.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{kc: kc, clock: clock, logger: logger}
}

// Store writes the grant. ExpiresAt is always derived from ExpiresIn at the
// time of writing. A response without a refresh token or id_token keeps the
// previous one.
func (l *Ledger) Store(ctx context.Context, resp *TokenResponse) (*TokenRecord, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, NewError(CodeAccessTokenInvalid, "grant response has no access token")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if locked, err := l.isLocked(ctx); err != nil {
		return nil, err
	} else if locked {
		return nil, NewError(CodeUserSessionIsCurrentlyLocked, "session is locked")
	}

	prev, err := l.currentLocked(ctx)
	if err != nil {
		return nil, err
	}

	rec := &TokenRecord{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		IDTokenType:  resp.IDTokenType,
		ExpiresIn:    resp.ExpiresIn,
		ExpiresAt:    l.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:        ParseScopes(resp.Scope),
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	if len(rec.Scope) == 0 {
		rec.Scope = slices.Clone(l.requesting)
	}
	if prev != nil {
		if rec.RefreshToken == "" {
			rec.RefreshToken = prev.RefreshToken
		}
		if rec.IDToken == "" {
			rec.IDToken, rec.IDTokenType = prev.IDToken, prev.IDTokenType
		}
	}
	l.requesting = nil

	if err := l.writeLocked(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.DebugContext(ctx, "token stored", "expires_in", rec.ExpiresIn, "scope", JoinScopes(rec.Scope))
	return rec, nil
}

// StoreIDToken records an id_token issued outside a token grant, e.g. by
// device registration.
func (l *Ledger) StoreIDToken(ctx context.Context, token, tokenType string) error {
	if token == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.kc.SetString(ctx, keychain.Shared, keyIDToken, token); err != nil {
		return err
	}
	return l.kc.SetString(ctx, keychain.Shared, keyIDTokenType, tokenType)
}

func (l *Ledger) writeLocked(ctx context.Context, rec *TokenRecord) error {
	local := *rec
	local.IDToken, local.IDTokenType = "", ""
	if err := l.kc.SetJSON(ctx, keychain.Local, keyTokenRecord, &local); err != nil {
		return err
	}
	if rec.IDToken == "" {
		if err := l.kc.Delete(ctx, keychain.Shared, keyIDToken); err != nil {
			return err
		}
		return l.kc.Delete(ctx, keychain.Shared, keyIDTokenType)
	}
	if err := l.kc.SetString(ctx, keychain.Shared, keyIDToken, rec.IDToken); err != nil {
		return err
	}
	return l.kc.SetString(ctx, keychain.Shared, keyIDTokenType, rec.IDTokenType)
}

// Current returns a copy of the token record, or nil when there is none.
func (l *Ledger) Current(ctx context.Context) (*TokenRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLocked(ctx)
}

func (l *Ledger) currentLocked(ctx context.Context) (*TokenRecord, error) {
	var rec TokenRecord
	ok, err := l.kc.GetJSON(ctx, keychain.Local, keyTokenRecord, &rec)
	if err != nil {
		return nil, err
	}
	idToken, hasID, err := l.kc.GetString(ctx, keychain.Shared, keyIDToken)
	if err != nil {
		return nil, err
	}
	if !ok && !hasID {
		return nil, nil
	}
	if hasID {
		rec.IDToken = idToken
		rec.IDTokenType, _, _ = l.kc.GetString(ctx, keychain.Shared, keyIDTokenType)
	}
	return &rec, nil
}

// IsAccessTokenValid reports whether a non-empty access token exists and
// now is before its expiry.
func (l *Ledger) IsAccessTokenValid(ctx context.Context) bool {
	rec, err := l.Current(ctx)
	if err != nil || rec == nil {
		return false
	}
	return rec.AccessToken != "" && !rec.IsExpired(l.clock.Now())
}

// AccessToken returns the current access token if it is still valid.
func (l *Ledger) AccessToken(ctx context.Context) (string, error) {
	rec, err := l.Current(ctx)
	if err != nil || rec == nil {
		return "", err
	}
	if rec.AccessToken == "" || rec.IsExpired(l.clock.Now()) {
		return "", nil
	}
	return rec.AccessToken, nil
}

// IDToken returns the stored id_token and its type.
func (l *Ledger) IDToken(ctx context.Context) (string, string, error) {
	rec, err := l.Current(ctx)
	if err != nil || rec == nil {
		return "", "", err
	}
	return rec.IDToken, rec.IDTokenType, nil
}

// ClearForLogout removes every user-scoped token field.
func (l *Ledger) ClearForLogout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requesting = nil
	return l.deleteAllLocked(ctx, false)
}

// ClearForExpiration drops the access token, id_token and expiry but keeps
// the refresh token.
func (l *Ledger) ClearForExpiration(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.currentLocked(ctx)
	if err != nil || rec == nil {
		return err
	}
	rec.AccessToken = ""
	rec.IDToken, rec.IDTokenType = "", ""
	rec.ExpiresIn = 0
	rec.ExpiresAt = time.Time{}
	return l.writeLocked(ctx, rec)
}

// ClearAll removes tokens, including sealed copies.
func (l *Ledger) ClearAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requesting = nil
	return l.deleteAllLocked(ctx, true)
}

func (l *Ledger) deleteAllLocked(ctx context.Context, sealed bool) error {
	var errs []error
	errs = append(errs,
		l.kc.Delete(ctx, keychain.Local, keyTokenRecord),
		l.kc.Delete(ctx, keychain.Shared, keyIDToken),
		l.kc.Delete(ctx, keychain.Shared, keyIDTokenType),
	)
	if sealed {
		errs = append(errs,
			l.kc.DeleteLocked(ctx, keychain.Local, keyTokenRecord),
			l.kc.DeleteLocked(ctx, keychain.Shared, keyIDToken),
			l.kc.DeleteLocked(ctx, keychain.Local, keySessionLocked),
		)
	}
	return errors.Join(errs...)
}

// Lock moves the tokens into locked storage. Reading them back requires the
// device owner to authenticate through the keychain's unlocker. The session
// is locked even when no tokens are stored yet.
func (l *Ledger) Lock(ctx context.Context) error {
	if !l.kc.HasUnlocker() {
		return NewError(CodeUserSessionLockUnavailable, "no device unlocker configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, ok, err := l.kc.GetBytes(ctx, keychain.Local, keyTokenRecord)
	if err != nil {
		return err
	}
	if ok {
		if err := l.kc.SetLocked(ctx, keychain.Local, keyTokenRecord, raw); err != nil {
			return Wrap(CodeUserSessionLockUnavailable, "unable to seal tokens", err)
		}
	}
	idToken, hasID, err := l.kc.GetBytes(ctx, keychain.Shared, keyIDToken)
	if err != nil {
		return err
	}
	if hasID {
		if err := l.kc.SetLocked(ctx, keychain.Shared, keyIDToken, idToken); err != nil {
			return Wrap(CodeUserSessionLockUnavailable, "unable to seal id_token", err)
		}
	}
	if err := l.kc.SetLocked(ctx, keychain.Local, keySessionLocked, []byte("1")); err != nil {
		return Wrap(CodeUserSessionLockUnavailable, "unable to seal session", err)
	}
	return l.deleteAllLocked(ctx, false)
}

// Unlock restores tokens sealed by Lock.
func (l *Ledger) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, _, err := l.kc.GetLocked(ctx, keychain.Local, keySessionLocked); err != nil {
		return unlockError(err)
	}
	raw, ok, err := l.kc.GetLocked(ctx, keychain.Local, keyTokenRecord)
	if err != nil {
		return unlockError(err)
	}
	if ok {
		if !json.Valid(raw) {
			return NewError(CodeUserSessionCouldNotBeUnlocked, "sealed token record is corrupt")
		}
		if err := l.kc.SetBytes(ctx, keychain.Local, keyTokenRecord, raw); err != nil {
			return err
		}
	}
	idToken, hasID, err := l.kc.GetLocked(ctx, keychain.Shared, keyIDToken)
	if err != nil {
		return unlockError(err)
	}
	if hasID {
		if err := l.kc.SetBytes(ctx, keychain.Shared, keyIDToken, idToken); err != nil {
			return err
		}
	}
	return errors.Join(
		l.kc.DeleteLocked(ctx, keychain.Local, keyTokenRecord),
		l.kc.DeleteLocked(ctx, keychain.Shared, keyIDToken),
		l.kc.DeleteLocked(ctx, keychain.Local, keySessionLocked),
	)
}

func unlockError(err error) error {
	if errors.Is(err, keychain.ErrLockedUnavailable) {
		return Wrap(CodeUserSessionLockUnavailable, "no device unlocker configured", err)
	}
	return Wrap(CodeUserSessionCouldNotBeUnlocked, "unable to unlock session", err)
}

// IsLocked reports whether the session is locked, without prompting.
func (l *Ledger) IsLocked(ctx context.Context) bool {
	ok, err := l.isLocked(ctx)
	return err == nil && ok
}

func (l *Ledger) isLocked(ctx context.Context) (bool, error) {
	if ok, err := l.kc.HasLocked(ctx, keychain.Local, keySessionLocked); err != nil || ok {
		return ok, err
	}
	return l.kc.HasLocked(ctx, keychain.Local, keyTokenRecord)
}

// SetRequestingScope overrides the scope sent with the next grant.
func (l *Ledger) SetRequestingScope(scope []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requesting = slices.Clone(scope)
}

func (l *Ledger) RequestingScope() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.requesting)
}
