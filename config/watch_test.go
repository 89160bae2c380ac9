package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/mobileauth/client"
)

type reload struct {
	cfg *Config
	err error
}

func waitReload(t *testing.T, ch <-chan reload) reload {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return reload{}
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	ch := make(chan reload, 16)
	require.NoError(t, Watch(ctx, path, func(c *Config, err error) { ch <- reload{c, err} }))

	updated := strings.Replace(sampleConfig, `"client_id": "app-1"`, `"client_id": "app-2"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	r := waitReload(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "gw.example.com:8443/app-2", r.cfg.Identity())

	// Replaced by rename, the way editors save.
	tmp := filepath.Join(dir, "mobileauth.json.tmp")
	renamed := strings.Replace(updated, `"hostname": "gw.example.com"`, `"hostname": "gw2.example.com"`, 1)
	require.NoError(t, os.WriteFile(tmp, []byte(renamed), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	r = waitReload(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "gw2.example.com:8443/app-2", r.cfg.Identity())
}

func TestWatch_InvalidContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeConfig(t, t.TempDir(), sampleConfig)
	ch := make(chan reload, 16)
	require.NoError(t, Watch(ctx, path, func(c *Config, err error) { ch <- reload{c, err} }))

	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"hostname": ""}}`), 0o600))
	r := waitReload(t, ch)
	assert.Nil(t, r.cfg)
	assert.True(t, client.IsCode(r.err, client.CodeConfigurationMissingParameter), "got %v", r.err)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "mobileauth.json"), func(*Config, error) {})
	assert.Error(t, err)
}
