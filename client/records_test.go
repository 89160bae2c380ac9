package client

import (
	"testing"
	"time"
)

func TestTokenRecord_IsExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future", now.Add(time.Hour), false},
		{"past", now.Add(-time.Hour), true},
		{"exactly now", now, true},
		{"just future", now.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &TokenRecord{ExpiresAt: tt.expiresAt}
			if got := rec.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenRecord_IsExpiringSoon(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		expiresAt time.Time
		within    time.Duration
		want      bool
	}{
		{"expires in 1 hour, check 30 min", now.Add(time.Hour), 30 * time.Minute, false},
		{"expires in 20 min, check 30 min", now.Add(20 * time.Minute), 30 * time.Minute, true},
		{"already expired", now.Add(-time.Minute), 30 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &TokenRecord{ExpiresAt: tt.expiresAt}
			if got := rec.IsExpiringSoon(now, tt.within); got != tt.want {
				t.Errorf("IsExpiringSoon() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenRecord_HasRefreshToken(t *testing.T) {
	tests := []struct {
		name         string
		refreshToken string
		want         bool
	}{
		{"has refresh token", "refresh-123", true},
		{"no refresh token", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &TokenRecord{RefreshToken: tt.refreshToken}
			if got := rec.HasRefreshToken(); got != tt.want {
				t.Errorf("HasRefreshToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenRecord_HasScope(t *testing.T) {
	rec := &TokenRecord{Scope: []string{"openid", "profile", "msso"}}
	tests := []struct {
		name     string
		required []string
		want     bool
	}{
		{"none required", nil, true},
		{"subset", []string{"openid", "msso"}, true},
		{"missing one", []string{"openid", "email"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rec.HasScope(tt.required); got != tt.want {
				t.Errorf("HasScope(%v) = %v, want %v", tt.required, got, tt.want)
			}
		})
	}
}

func TestApplicationRecord_IsExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		expiration time.Time
		want       bool
	}{
		{"never expires", time.Time{}, false},
		{"future", now.Add(time.Hour), false},
		{"past", now.Add(-time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &ApplicationRecord{ClientID: "c", Expiration: tt.expiration}
			if got := app.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceRecord_CertificateExpiresWithin(t *testing.T) {
	now := time.Now()
	window := 30 * 24 * time.Hour
	tests := []struct {
		name   string
		device *DeviceRecord
		want   bool
	}{
		{"nil device", nil, false},
		{"no expiry recorded", &DeviceRecord{}, false},
		{"one year left", &DeviceRecord{CertExpiry: now.Add(365 * 24 * time.Hour)}, false},
		{"ten days left", &DeviceRecord{CertExpiry: now.Add(10 * 24 * time.Hour)}, true},
		{"already expired", &DeviceRecord{CertExpiry: now.Add(-time.Hour)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.CertificateExpiresWithin(now, window); got != tt.want {
				t.Errorf("CertificateExpiresWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceRecord_IsRegistered(t *testing.T) {
	tests := []struct {
		name   string
		device *DeviceRecord
		want   bool
	}{
		{"nil", nil, false},
		{"no identifier", &DeviceRecord{Registered: true}, false},
		{"not marked", &DeviceRecord{Identifier: "mag-1"}, false},
		{"registered", &DeviceRecord{Registered: true, Identifier: "mag-1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.IsRegistered(); got != tt.want {
				t.Errorf("IsRegistered() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceRecord_TLSCertificateEmpty(t *testing.T) {
	cert, err := (&DeviceRecord{}).TLSCertificate()
	if err != nil || cert != nil {
		t.Errorf("TLSCertificate() = %v, %v, want nil, nil", cert, err)
	}
	if _, _, err := (&DeviceRecord{}).Signer(); !IsCode(err, CodeDeviceNotRegistered) {
		t.Errorf("Signer() error = %v, want %s", err, CodeDeviceNotRegistered)
	}
}
