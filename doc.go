// Package mobileauth authenticates an application and its device against an
// access-management gateway and keeps a valid session available to every
// outgoing request.
//
// The SDK separates identity into three records: the application (client
// credentials, registered statically or per install), the device (a key pair
// and a client certificate issued by the gateway, identified by its
// mag-identifier) and the user (the tokens of whoever signed in on the
// device). A device cannot be registered before the application, and a user
// cannot sign in before the device is registered.
//
// # Architecture
//
// keychain: secure key-value storage for the records, with file, SQLite,
// Redis, GORM and Datastore backends and a sealed variant for tokens of a
// locked session.
//
// security: per-host trust entries (certificate and public-key pinning) that
// decide every TLS handshake.
//
// client: the session core. The validator walks the registration chain and
// obtains tokens, at most one walk at a time; the pipeline injects the
// tokens into requests and handles rejected tokens and step-up challenges.
//
// config: the JSON configuration, environment overrides, OpenID discovery
// and file watching.
//
// grpc: client interceptors that carry the session into gRPC calls.
//
// # Basic Usage
//
// Load the configuration, start the SDK and send requests through the
// session's HTTP client:
//
//	import (
//	    "github.com/panyam/mobileauth"
//	    "github.com/panyam/mobileauth/client"
//	)
//
//	sdk, err := mobileauth.New(nil, mobileauth.WithConfigFile("mobileauth.json"))
//	if err != nil {
//	    return err
//	}
//	sdk.SetCredentialProvider(client.CredentialProviderFunc(
//	    func(ctx context.Context, req client.CredentialRequest) (client.Credentials, error) {
//	        username, password, err := promptLogin(ctx)
//	        if err != nil {
//	            return nil, err
//	        }
//	        return &client.Password{Username: username, Password: password}, nil
//	    }))
//	if err := sdk.Start(ctx); err != nil {
//	    return err
//	}
//	defer sdk.Stop(ctx)
//
//	session, _ := sdk.Session()
//	resp, err := session.HTTPClient().Get("https://api.example.com/accounts")
//
// The first request registers the application and the device, asks the
// credential provider once, and signs in. Later requests reuse the tokens,
// refreshing them when they expire.
//
// # Step-up
//
// When the gateway asks for a one-time password, the pipeline hands the
// challenge to the registered authenticators. The built-in OTPAuthenticator
// asks the host for a delivery channel and the code, then re-sends the
// request once:
//
//	sdk.RegisterAuthenticator(&client.OTPAuthenticator{
//	    Code: func(ctx context.Context, channels []string) (string, error) {
//	        return promptOTP(ctx, channels)
//	    },
//	})
//
// # Lifecycle
//
// The SDK moves through NotConfigured, NotInitialized, DidLoad, WillStart,
// DidStart, WillStop and DidStop. A stopped SDK may start again.
// EmergencyStop moves it to BeingStopped, which it never leaves. Every move
// is published to Subscribe as a lifecycle event, alongside registration and
// authentication events.
//
// # Errors
//
// Every failure is a *client.Error carrying a stable Code, such as
// USER_SESSION_IS_CURRENTLY_LOCKED or OTP_INVALID, and its Kind. Use
// client.IsCode and client.IsKind to branch on them.
package mobileauth
