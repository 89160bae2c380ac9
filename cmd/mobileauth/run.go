package main

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/panyam/mobileauth"
	"github.com/panyam/mobileauth/client"
	"github.com/panyam/mobileauth/keychain/fs"
	"github.com/panyam/mobileauth/security"
)

// EnvLookup returns the value of an environment variable when present.
type EnvLookup func(string) (string, bool)

const usage = `usage: mobileauth [flags] <command> [args]

commands:
  get <url>     send a GET through the session and print the response
  status        print the stored application, device and user
  logout        sign the current user out
  deregister    remove the device from the gateway
  reset         forget every local record
`

type cliConfig struct {
	ConfigPath   string
	KeychainPath string
	CAFile       string
	Username     string
	Verbose      bool
	Command      string
	Args         []string
}

func parseConfig(fset *flag.FlagSet, args []string) (cliConfig, error) {
	var c cliConfig
	fset.StringVar(&c.ConfigPath, "config", "mobileauth.json", "configuration file")
	fset.StringVar(&c.KeychainPath, "keychain", "", "keychain file (default: user config directory)")
	fset.StringVar(&c.CAFile, "ca", "", "PEM file of extra trust anchors")
	fset.StringVar(&c.Username, "user", "", "username to sign in with")
	fset.BoolVar(&c.Verbose, "v", false, "debug logging")
	if err := fset.Parse(args); err != nil {
		return cliConfig{}, err
	}
	rest := fset.Args()
	if len(rest) == 0 {
		return cliConfig{}, errors.New("a command is required")
	}
	c.Command, c.Args = rest[0], rest[1:]
	return c, nil
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer, lookup EnvLookup) error {
	fset := flag.NewFlagSet("mobileauth", flag.ContinueOnError)
	fset.SetOutput(errOut)
	fset.Usage = func() {
		fmt.Fprint(errOut, usage)
		fset.PrintDefaults()
	}
	cfg, err := parseConfig(fset, args)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	opts := []mobileauth.Option{
		mobileauth.WithLogger(logger),
		mobileauth.WithConfigFile(cfg.ConfigPath),
	}
	if cfg.KeychainPath != "" {
		b, err := fs.New(cfg.KeychainPath, mobileauth.DefaultAppID)
		if err != nil {
			return err
		}
		opts = append(opts, mobileauth.WithBackend(b))
	}
	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		opts = append(opts, mobileauth.WithPolicyOptions(security.WithRoots(pool)))
	}

	sdk, err := mobileauth.New(nil, opts...)
	if err != nil {
		return err
	}
	lines := bufio.NewReader(in)
	sdk.SetCredentialProvider(passwordPrompt(cfg.Username, lines, errOut, lookup))
	sdk.RegisterAuthenticator(&client.OTPAuthenticator{
		Code: func(ctx context.Context, channels []string) (string, error) {
			fmt.Fprintf(errOut, "one-time password (%s): ", strings.Join(channels, ", "))
			return readLine(lines)
		},
	})
	if err := sdk.Start(ctx); err != nil {
		return err
	}
	defer sdk.Stop(context.Background())

	session, err := sdk.Session()
	if err != nil {
		return err
	}
	switch cfg.Command {
	case "get":
		if len(cfg.Args) != 1 {
			return errors.New("get takes exactly one url")
		}
		return get(ctx, session, cfg.Args[0], out)
	case "status":
		return status(ctx, session, out)
	case "logout":
		return session.Logout(ctx, false)
	case "deregister":
		return session.Deregister(ctx)
	case "reset":
		return session.ResetLocally(ctx)
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

// passwordPrompt reads the password from MOBILEAUTH_PASSWORD, or from in.
func passwordPrompt(username string, in *bufio.Reader, errOut io.Writer, lookup EnvLookup) client.CredentialProvider {
	return client.CredentialProviderFunc(func(ctx context.Context, req client.CredentialRequest) (client.Credentials, error) {
		user := username
		if user == "" {
			fmt.Fprint(errOut, "username: ")
			line, err := readLine(in)
			if err != nil {
				return nil, err
			}
			user = line
		}
		if pw, ok := lookup("MOBILEAUTH_PASSWORD"); ok {
			return &client.Password{Username: user, Password: pw}, nil
		}
		fmt.Fprintf(errOut, "password for %s: ", user)
		pw, err := readLine(in)
		if err != nil {
			return nil, err
		}
		return &client.Password{Username: user, Password: pw}, nil
	})
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func get(ctx context.Context, session *client.Session, url string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := session.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Fprintln(out, resp.Status)
	_, err = io.Copy(out, resp.Body)
	return err
}

func status(ctx context.Context, session *client.Session, out io.Writer) error {
	app, err := session.Application(ctx)
	if err != nil {
		return err
	}
	dev, err := session.Device(ctx)
	if err != nil {
		return err
	}
	user, err := session.CurrentUser(ctx)
	if err != nil {
		return err
	}

	if app != nil {
		fmt.Fprintf(out, "application: %s\n", app.ClientID)
	} else {
		fmt.Fprintln(out, "application: not registered")
	}
	if dev != nil && dev.Registered {
		fmt.Fprintf(out, "device: %s (%s) certificate expires %s\n", dev.Identifier, dev.Status, dev.CertExpiry.Format("2006-01-02"))
	} else {
		fmt.Fprintln(out, "device: not registered")
	}
	if user != nil {
		fmt.Fprintf(out, "user: %s authenticated=%t locked=%t\n", user.Username, session.IsAuthenticated(ctx), session.IsSessionLocked(ctx))
	} else {
		fmt.Fprintln(out, "user: none")
	}
	return nil
}
