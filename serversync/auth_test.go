package serversync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
)

// fakeClient scripts the upstream auth surface and counts calls.
type fakeClient struct {
	Client

	cookieTTL  time.Duration
	rejectAuth bool

	authConfigCalls int
	authCookieCalls int
	cookieCalls     int

	gotName string
	gotGUID uuid.UUID
}

func (f *fakeClient) GetAuthConfig(context.Context) (*AuthConfig, error) {
	f.authConfigCalls++
	return &AuthConfig{AuthInfo: []AuthPlugin{
		{PlugInName: "DssTargeting", ServiceURL: "DssAuthWebService/DssAuthWebService.asmx"},
		{PlugInName: "Unused", ServiceURL: "other.asmx"},
	}}, nil
}

func (f *fakeClient) GetAuthorizationCookie(_ context.Context, _ AuthPlugin, name string, guid uuid.UUID) (*AuthorizationCookie, error) {
	f.authCookieCalls++
	f.gotName, f.gotGUID = name, guid
	return &AuthorizationCookie{PlugInID: "DssTargeting", CookieData: []byte("auth")}, nil
}

func (f *fakeClient) GetCookie(context.Context, *AuthorizationCookie, *Cookie) (*Cookie, error) {
	if f.rejectAuth {
		f.rejectAuth = false
		return nil, &musync.Error{
			Op:    "serversync.GetCookie",
			Kind:  musync.ErrAuth,
			Inner: &Fault{Code: FaultInvalidAuthorizationCookie},
		}
	}
	f.cookieCalls++
	return &Cookie{EncryptedData: []byte("access"), Expiration: time.Now().Add(f.cookieTTL)}, nil
}

func TestAuthenticatorFirstUse(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	fc := &fakeClient{cookieTTL: 4 * time.Hour}
	guid := uuid.MustParse("e0000000-0000-4000-8000-000000000001")
	a := NewAuthenticator(fc, "Contoso WSUS", guid)

	c, err := a.Cookie(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || len(c.EncryptedData) == 0 {
		t.Fatal("no access cookie")
	}
	if fc.gotName != "Contoso WSUS" || fc.gotGUID != guid {
		t.Errorf("account identity: got %q, %v", fc.gotName, fc.gotGUID)
	}

	// A fresh cookie is reused without touching the server.
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	if fc.authConfigCalls != 1 || fc.authCookieCalls != 1 || fc.cookieCalls != 1 {
		t.Errorf("calls: config=%d auth=%d cookie=%d, want 1 each",
			fc.authConfigCalls, fc.authCookieCalls, fc.cookieCalls)
	}
}

func TestAuthenticatorRandomAccount(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	fc := &fakeClient{cookieTTL: 4 * time.Hour}
	a := NewAuthenticator(fc, "", uuid.Nil)
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	if fc.gotName == "" || fc.gotGUID == uuid.Nil {
		t.Errorf("expected generated identity, got %q, %v", fc.gotName, fc.gotGUID)
	}
}

func TestAuthenticatorNearExpiryFastPath(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	fc := &fakeClient{cookieTTL: 4 * time.Hour}
	a := NewAuthenticator(fc, "n", uuid.New())
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	// Move the clock to within the refresh window.
	a.now = func() time.Time { return time.Now().Add(4*time.Hour - 10*time.Minute) }
	fc.cookieTTL = 8 * time.Hour
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	if fc.cookieCalls != 2 {
		t.Errorf("got %d cookie exchanges, want 2", fc.cookieCalls)
	}
	// The fast path must not redo discovery or the authorization cookie.
	if fc.authConfigCalls != 1 || fc.authCookieCalls != 1 {
		t.Errorf("full re-auth happened: config=%d auth=%d", fc.authConfigCalls, fc.authCookieCalls)
	}
}

func TestAuthenticatorRejectedAuthCookie(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	fc := &fakeClient{cookieTTL: 4 * time.Hour}
	a := NewAuthenticator(fc, "n", uuid.New())
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	// Next exchange is rejected once; a full re-auth must recover.
	a.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
	fc.rejectAuth = true
	if _, err := a.Cookie(ctx); err != nil {
		t.Fatal(err)
	}
	if fc.authCookieCalls != 2 {
		t.Errorf("got %d authorization cookies, want 2", fc.authCookieCalls)
	}
}

func TestAuthenticatorNoPlugins(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	a := NewAuthenticator(&emptyConfigClient{}, "n", uuid.New())
	_, err := a.Cookie(ctx)
	if !errors.Is(err, musync.ErrProtocol) {
		t.Fatalf("got %v, want protocol error", err)
	}
}

type emptyConfigClient struct{ Client }

func (*emptyConfigClient) GetAuthConfig(context.Context) (*AuthConfig, error) {
	return &AuthConfig{}, nil
}
