package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/panyam/mobileauth/client"
)

// fakeSession hands out token-1, token-2, ... each time validation finds
// no access token.
type fakeSession struct {
	mu            sync.Mutex
	token         string
	issued        int
	ensureErr     error
	ensures       int
	invalidations int
	scopes        [][]string
}

func (f *fakeSession) EnsureValidSession(ctx context.Context, scope ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	f.scopes = append(f.scopes, scope)
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if f.token == "" {
		f.issued++
		f.token = fmt.Sprintf("token-%d", f.issued)
	}
	return nil
}

func (f *fakeSession) AccessToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeSession) Identifier(ctx context.Context) string { return "device-1" }

func (f *fakeSession) InvalidateAccessToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	f.token = ""
	return nil
}

// recordingInvoker returns the errors in order, then nil, recording the
// bearer of each call.
type recordingInvoker struct {
	errs    []error
	bearers []string
}

func (r *recordingInvoker) invoke(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
	md, _ := metadata.FromOutgoingContext(ctx)
	var bearer string
	if v := md.Get(DefaultMetadataKeyAuthorization); len(v) > 0 {
		bearer = v[0]
	}
	r.bearers = append(r.bearers, bearer)
	if n := len(r.bearers); n <= len(r.errs) {
		return r.errs[n-1]
	}
	return nil
}

func TestDefaultInterceptorConfig(t *testing.T) {
	config := DefaultInterceptorConfig()
	if !config.RequireAuth {
		t.Error("expected RequireAuth to be true by default")
	}
	if config.PublicMethods == nil {
		t.Error("expected PublicMethods to be initialized")
	}
	if config.Config == nil {
		t.Error("expected Config to be initialized")
	}
}

func TestNewPublicMethodsConfig(t *testing.T) {
	config := NewPublicMethodsConfig("/pkg.Svc/Method1", "/pkg.Svc/Method2")
	if !config.PublicMethods["/pkg.Svc/Method1"] {
		t.Error("expected Method1 to be public")
	}
	if !config.PublicMethods["/pkg.Svc/Method2"] {
		t.Error("expected Method2 to be public")
	}
	if config.PublicMethods["/pkg.Svc/Method3"] {
		t.Error("expected Method3 to not be public")
	}
}

func TestUnaryClientInterceptor_AttachesCredentials(t *testing.T) {
	src := &fakeSession{}
	interceptor := UnaryClientInterceptor(src, nil)

	var md metadata.MD
	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			md, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := md.Get(DefaultMetadataKeyAuthorization); !slices.Equal(got, []string{"Bearer token-1"}) {
		t.Errorf("expected Bearer token-1, got %v", got)
	}
	if got := md.Get(DefaultMetadataKeyIdentifier); !slices.Equal(got, []string{"device-1"}) {
		t.Errorf("expected device-1, got %v", got)
	}
	if src.ensures != 1 {
		t.Errorf("expected 1 validation, got %d", src.ensures)
	}
}

func TestUnaryClientInterceptor_PublicMethod(t *testing.T) {
	src := &fakeSession{}
	interceptor := UnaryClientInterceptor(src, NewPublicMethodsConfig("/pkg.Svc/Public"))

	for _, ctx := range []context.Context{context.Background(), WithPublic(context.Background())} {
		method := "/pkg.Svc/Public"
		if isPublic(ctx) {
			method = "/pkg.Svc/Other"
		}
		inv := &recordingInvoker{}
		if err := interceptor(ctx, method, nil, nil, nil, inv.invoke); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inv.bearers[0] != "" {
			t.Errorf("expected no credentials on %s, got %q", method, inv.bearers[0])
		}
	}
	if src.ensures != 0 {
		t.Errorf("expected no validation for public calls, got %d", src.ensures)
	}
}

func TestUnaryClientInterceptor_RetriesOnce(t *testing.T) {
	src := &fakeSession{}
	interceptor := UnaryClientInterceptor(src, nil)
	inv := &recordingInvoker{errs: []error{status.Error(codes.Unauthenticated, "token revoked")}}

	if err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil, inv.invoke); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"Bearer token-1", "Bearer token-2"}; !slices.Equal(inv.bearers, want) {
		t.Errorf("expected bearers %v, got %v", want, inv.bearers)
	}
	if src.invalidations != 1 {
		t.Errorf("expected 1 invalidation, got %d", src.invalidations)
	}
}

func TestUnaryClientInterceptor_SecondRejectionReturned(t *testing.T) {
	src := &fakeSession{}
	interceptor := UnaryClientInterceptor(src, nil)
	rejected := status.Error(codes.Unauthenticated, "token revoked")
	inv := &recordingInvoker{errs: []error{rejected, rejected, rejected}}

	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil, inv.invoke)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
	if len(inv.bearers) != 2 {
		t.Errorf("expected 2 calls, got %d", len(inv.bearers))
	}
}

func TestUnaryClientInterceptor_OtherErrorsNotRetried(t *testing.T) {
	src := &fakeSession{}
	interceptor := UnaryClientInterceptor(src, nil)
	inv := &recordingInvoker{errs: []error{status.Error(codes.PermissionDenied, "nope")}}

	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil, inv.invoke)
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
	if len(inv.bearers) != 1 || src.invalidations != 0 {
		t.Errorf("expected a single call and no invalidation, got %d calls, %d invalidations", len(inv.bearers), src.invalidations)
	}
}

func TestUnaryClientInterceptor_SessionError(t *testing.T) {
	src := &fakeSession{ensureErr: client.NewError(client.CodeUserSessionIsCurrentlyLocked, "locked")}
	interceptor := UnaryClientInterceptor(src, nil)

	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			t.Error("invoker should not be called")
			return nil
		})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
}

func TestUnaryClientInterceptor_Scopes(t *testing.T) {
	src := &fakeSession{}
	config := DefaultInterceptorConfig()
	config.Scopes = []string{"openid"}
	interceptor := UnaryClientInterceptor(src, config)

	ctx := WithRequiredScope(context.Background(), "payments")
	inv := &recordingInvoker{}
	if err := interceptor(ctx, "/pkg.Svc/Method", nil, nil, nil, inv.invoke); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"openid", "payments"}; !slices.Equal(src.scopes[0], want) {
		t.Errorf("expected scope %v, got %v", want, src.scopes[0])
	}
}

func TestStreamClientInterceptor_RetriesOpen(t *testing.T) {
	src := &fakeSession{}
	interceptor := StreamClientInterceptor(src, nil)

	var bearers []string
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		bearers = append(bearers, md.Get(DefaultMetadataKeyAuthorization)[0])
		if len(bearers) == 1 {
			return nil, status.Error(codes.Unauthenticated, "expired")
		}
		return nil, nil
	}
	if _, err := interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/pkg.Svc/Stream", streamer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"Bearer token-1", "Bearer token-2"}; !slices.Equal(bearers, want) {
		t.Errorf("expected bearers %v, got %v", want, bearers)
	}
}

func TestStreamClientInterceptor_PublicMethod(t *testing.T) {
	src := &fakeSession{}
	interceptor := StreamClientInterceptor(src, NewPublicMethodsConfig("/pkg.Svc/Stream"))

	called := false
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		called = true
		return nil, nil
	}
	if _, err := interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/pkg.Svc/Stream", streamer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || src.ensures != 0 {
		t.Errorf("expected streamer called without validation, called=%v ensures=%d", called, src.ensures)
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"status passthrough", status.Error(codes.NotFound, "x"), codes.NotFound},
		{"context canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("walk: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"timeout", client.NewError(client.CodeNetworkTimeout, ""), codes.DeadlineExceeded},
		{"mfa cancelled", client.NewError(client.CodeMFACancelled, ""), codes.Canceled},
		{"insufficient scope", client.NewError(client.CodeAccessTokenInsufficientScope, ""), codes.PermissionDenied},
		{"locked", client.NewError(client.CodeUserSessionIsCurrentlyLocked, ""), codes.FailedPrecondition},
		{"retry barred", client.NewError(client.CodeOTPRetryBarred, ""), codes.ResourceExhausted},
		{"configuration", client.NewError(client.CodeConfigurationInvalidEndpoint, ""), codes.FailedPrecondition},
		{"registration", client.NewError(client.CodeDeviceNotRegistered, ""), codes.FailedPrecondition},
		{"credentials", client.NewError(client.CodeInvalidCredentials, ""), codes.Unauthenticated},
		{"token", client.NewError(client.CodeRefreshTokenInvalid, ""), codes.Unauthenticated},
		{"network", client.NewError(client.CodeNetworkSSLConnection, ""), codes.Unavailable},
		{"step up", client.NewError(client.CodeOTPInvalid, ""), codes.PermissionDenied},
		{"plain", errors.New("boom"), codes.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(StatusFromError(tt.err)); got != tt.want {
				t.Errorf("StatusFromError() code = %v, want %v", got, tt.want)
			}
		})
	}
	if StatusFromError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestUnaryAuthInterceptor_RequireAuth_NoToken(t *testing.T) {
	interceptor := UnaryAuthInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated code, got %v", err)
	}
}

func TestUnaryAuthInterceptor_PublicAndOptional(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Public"}
	for name, config := range map[string]*InterceptorConfig{
		"public":   NewPublicMethodsConfig("/pkg.Svc/Public"),
		"optional": OptionalAuthConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			called := false
			_, err := UnaryAuthInterceptor(config)(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
				called = true
				return nil, nil
			})
			if err != nil || !called {
				t.Errorf("expected handler to be called, err=%v", err)
			}
		})
	}
}

func TestStreamAuthInterceptor_Verify(t *testing.T) {
	config := DefaultInterceptorConfig()
	config.Verify = func(ctx context.Context, token, identifier string) error {
		if identifier != "device-1" {
			return errors.New("unknown device")
		}
		return nil
	}
	interceptor := StreamAuthInterceptor(config)
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/Stream"}

	for identifier, want := range map[string]codes.Code{"device-1": codes.OK, "device-2": codes.Unauthenticated} {
		md := metadata.Pairs(DefaultMetadataKeyAuthorization, "Bearer tok", DefaultMetadataKeyIdentifier, identifier)
		ss := &mockServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
		err := interceptor(nil, ss, info, func(srv any, stream grpc.ServerStream) error { return nil })
		if status.Code(err) != want {
			t.Errorf("identifier %s: expected %v, got %v", identifier, want, err)
		}
	}
}

// The client and server interceptors agree over a real connection: the
// server rejects the first token and the client recovers with a new one.
func TestInterceptors_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	serverConfig := DefaultInterceptorConfig()
	serverConfig.Verify = func(ctx context.Context, token, identifier string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, token)
		if token == "token-1" {
			return errors.New("token revoked")
		}
		return nil
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(serverConfig)))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	defer srv.Stop()

	src := &fakeSession{}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(src, nil)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", resp.GetStatus())
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"token-1", "token-2"}; !slices.Equal(seen, want) {
		t.Errorf("expected server to see %v, got %v", want, seen)
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}
