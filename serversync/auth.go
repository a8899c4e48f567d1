package serversync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
)

// Access cookie lifetime thresholds. A cookie with more than refreshWindow
// remaining is used as-is; below that it is re-exchanged before use. A
// cookie inside expiryMargin of its expiration is never presented to the
// server.
const (
	refreshWindow = 30 * time.Minute
	expiryMargin  = 2 * time.Minute
)

// Authenticator walks the upstream authentication states and caches the
// access cookie between calls.
//
// The progression is: discover auth plugins, obtain an authorization
// cookie from the first plugin, exchange it for an access cookie. Each
// stage is cached; Cookie redoes only the stages that have gone stale.
type Authenticator struct {
	client Client

	accountName string
	accountGUID uuid.UUID

	mu     sync.Mutex
	plugin *AuthPlugin
	auth   *AuthorizationCookie
	access *Cookie

	// now is swappable for tests.
	now func() time.Time
}

// NewAuthenticator returns an Authenticator identifying itself with the
// given account. An empty name or zero GUID is replaced with a random
// identity, which upstream servers accept for anonymous sync.
func NewAuthenticator(c Client, accountName string, accountGUID uuid.UUID) *Authenticator {
	if accountGUID == uuid.Nil {
		accountGUID = uuid.New()
	}
	if accountName == "" {
		accountName = "musync-" + accountGUID.String()[:8]
	}
	return &Authenticator{
		client:      c,
		accountName: accountName,
		accountGUID: accountGUID,
		now:         time.Now,
	}
}

// Cookie returns an access cookie with comfortable time left on it,
// re-authenticating as needed.
func (a *Authenticator) Cookie(ctx context.Context) (*Cookie, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Authenticator.Cookie")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.access != nil && a.access.Expiration.Sub(a.now()) > refreshWindow {
		return a.access, nil
	}
	if a.auth != nil {
		// Near expiry or expired: re-exchange the held authorization
		// cookie without redoing plugin discovery.
		old := a.access
		if old != nil && old.Expiration.Sub(a.now()) <= expiryMargin {
			old = nil
		}
		c, err := a.client.GetCookie(ctx, a.auth, old)
		switch {
		case err == nil:
			a.access = c
			return c, nil
		case errors.Is(err, musync.ErrAuth):
			zlog.Debug(ctx).Msg("authorization cookie rejected, full re-auth")
			a.auth = nil
			a.access = nil
		default:
			return nil, err
		}
	}
	return a.fullAuth(ctx)
}

// Invalidate drops all cached state. The next Cookie call starts from
// plugin discovery. Called when the server faults a request made with a
// cookie it previously issued.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plugin = nil
	a.auth = nil
	a.access = nil
}

// fullAuth runs the whole progression. Caller holds the lock.
func (a *Authenticator) fullAuth(ctx context.Context) (*Cookie, error) {
	if a.plugin == nil {
		cfg, err := a.client.GetAuthConfig(ctx)
		if err != nil {
			return nil, err
		}
		if len(cfg.AuthInfo) == 0 {
			return nil, &musync.Error{
				Op:      "serversync.Authenticator",
				Kind:    musync.ErrProtocol,
				Message: "upstream offers no authentication plugins",
			}
		}
		p := cfg.AuthInfo[0]
		a.plugin = &p
	}
	auth, err := a.client.GetAuthorizationCookie(ctx, *a.plugin, a.accountName, a.accountGUID)
	if err != nil {
		return nil, fmt.Errorf("authorization cookie: %w", err)
	}
	access, err := a.client.GetCookie(ctx, auth, nil)
	if err != nil {
		return nil, fmt.Errorf("access cookie: %w", err)
	}
	a.auth = auth
	a.access = access
	zlog.Debug(ctx).
		Str("plugin", a.plugin.PlugInName).
		Time("expires", access.Expiration).
		Msg("authenticated")
	return access, nil
}
