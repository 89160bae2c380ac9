package config

import (
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/panyam/mobileauth/client"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MOBILEAUTH_"

// overrides holds raw env values. Empty values leave the file untouched.
type overrides struct {
	Hostname     string   `env:"HOSTNAME"`
	Port         string   `env:"PORT"`
	Prefix       string   `env:"PREFIX"`
	Issuer       string   `env:"ISSUER"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES" envSeparator:" "`
	Dynamic      string   `env:"DYNAMIC"`
	Flow         string   `env:"FLOW"`
	Organization string   `env:"ORGANIZATION"`
	DeviceName   string   `env:"DEVICE_NAME"`
	JWKSURL      string   `env:"JWKS_URI"`
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix})
}

// ApplyEnvMap overrides fields from environ instead of the process
// environment. Keys carry the MOBILEAUTH_ prefix.
func (c *Config) ApplyEnvMap(environ map[string]string) error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func (c *Config) applyEnv(opts env.Options) error {
	var raw overrides
	if err := env.ParseWithOptions(&raw, opts); err != nil {
		return client.Wrap(client.CodeConfigurationInvalidJSON, "parse env", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Hostname, raw.Hostname)
	set(&c.Server.Prefix, raw.Prefix)
	set(&c.Server.Issuer, raw.Issuer)
	set(&c.OAuth.Client.ClientID, raw.ClientID)
	set(&c.OAuth.Client.ClientSecret, raw.ClientSecret)
	set(&c.OAuth.Client.Flow, raw.Flow)
	set(&c.OAuth.Client.Organization, raw.Organization)
	set(&c.Device.Name, raw.DeviceName)
	set(&c.OAuth.JWKSURL, raw.JWKSURL)

	if raw.Port != "" {
		port, err := strconv.Atoi(raw.Port)
		if err != nil {
			return client.Wrap(client.CodeConfigurationInvalidEndpoint, EnvPrefix+"PORT", err)
		}
		c.Server.Port = port
	}
	if len(raw.Scopes) > 0 {
		c.OAuth.Client.Scope = strings.Join(raw.Scopes, " ")
	}
	if raw.Dynamic != "" {
		dynamic, err := strconv.ParseBool(raw.Dynamic)
		if err != nil {
			return client.Wrap(client.CodeConfigurationInvalidJSON, EnvPrefix+"DYNAMIC", err)
		}
		c.OAuth.Client.Dynamic = dynamic
	}
	return nil
}
