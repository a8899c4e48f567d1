package serversync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over JSON-POST framing.
//
// Every call posts an envelope naming the operation and protocol version;
// the response carries either a result or a fault. Sync operations go to
// the fixed sync path below the root, authorization cookie requests go to
// the endpoint named by the plugin descriptor.
type HTTPClient struct {
	root   *url.URL
	client *http.Client
}

// NewHTTPClient returns a client for the upstream rooted at root. If hc is
// nil, [http.DefaultClient] is used; callers wanting the long receive
// timeouts the protocol expects should pass a tuned client.
func NewHTTPClient(root string, hc *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("serversync: bad root %q: %w", root, err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{root: u, client: hc}, nil
}

type envelope struct {
	Method          string          `json:"method"`
	ProtocolVersion string          `json:"protocolVersion"`
	Body            json.RawMessage `json:"body,omitempty"`
}

type reply struct {
	Fault  *Fault          `json:"fault,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// endpoint resolves a path relative to the upstream root.
func (c *HTTPClient) endpoint(rel string) string {
	u := *c.root
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(rel, "/")
	return u.String()
}

// call posts one operation and decodes the result into out.
func (c *HTTPClient) call(ctx context.Context, endpoint, method, version string, body, out any) error {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/HTTPClient.call", "method", method)
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("serversync: encoding %s request: %w", method, err)
	}
	buf, err := json.Marshal(envelope{Method: method, ProtocolVersion: version, Body: raw})
	if err != nil {
		return fmt.Errorf("serversync: encoding %s envelope: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("serversync: %s: %w", method, err)
	}
	req.Header.Set("content-type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return &musync.Error{Op: "serversync." + method, Kind: musync.ErrTransient, Inner: err}
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return &musync.Error{
			Op:      "serversync." + method,
			Kind:    musync.ErrInternal,
			Message: fmt.Sprintf("unexpected status %q", res.Status),
		}
	}
	var rep reply
	if err := json.NewDecoder(res.Body).Decode(&rep); err != nil {
		return &musync.Error{Op: "serversync." + method, Kind: musync.ErrInternal, Inner: err}
	}
	if rep.Fault != nil {
		zlog.Debug(ctx).Str("code", rep.Fault.Code).Msg("upstream fault")
		return &musync.Error{Op: "serversync." + method, Kind: rep.Fault.Kind(), Inner: rep.Fault}
	}
	if out != nil {
		if err := json.Unmarshal(rep.Result, out); err != nil {
			return &musync.Error{Op: "serversync." + method, Kind: musync.ErrInternal, Inner: err}
		}
	}
	return nil
}

// GetAuthConfig implements Client.
func (c *HTTPClient) GetAuthConfig(ctx context.Context) (*AuthConfig, error) {
	var out AuthConfig
	err := c.call(ctx, c.endpoint(SyncEndpointPath), "GetAuthConfig", SyncProtocolVersion, struct{}{}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAuthorizationCookie implements Client.
func (c *HTTPClient) GetAuthorizationCookie(ctx context.Context, plugin AuthPlugin, accountName string, accountGUID uuid.UUID) (*AuthorizationCookie, error) {
	body := struct {
		AccountName string    `json:"accountName"`
		AccountGUID uuid.UUID `json:"accountGuid"`
	}{
		AccountName: accountName,
		AccountGUID: accountGUID,
	}
	var out AuthorizationCookie
	err := c.call(ctx, c.endpoint(plugin.ServiceURL), "GetAuthorizationCookie", CookieProtocolVersion, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCookie implements Client.
func (c *HTTPClient) GetCookie(ctx context.Context, auth *AuthorizationCookie, old *Cookie) (*Cookie, error) {
	body := struct {
		AuthCookies []AuthorizationCookie `json:"authCookies"`
		OldCookie   *Cookie               `json:"oldCookie,omitempty"`
	}{
		AuthCookies: []AuthorizationCookie{*auth},
		OldCookie:   old,
	}
	var out Cookie
	err := c.call(ctx, c.endpoint(SyncEndpointPath), "GetCookie", CookieProtocolVersion, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfigData implements Client.
func (c *HTTPClient) GetConfigData(ctx context.Context, cookie *Cookie) (*ServerConfig, error) {
	body := struct {
		Cookie *Cookie `json:"cookie"`
	}{Cookie: cookie}
	var out ServerConfig
	err := c.call(ctx, c.endpoint(SyncEndpointPath), "GetConfigData", SyncProtocolVersion, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRevisionIDList implements Client.
func (c *HTTPClient) GetRevisionIDList(ctx context.Context, cookie *Cookie, filter RevisionFilter) (*RevisionIDList, error) {
	body := struct {
		Cookie *Cookie        `json:"cookie"`
		Filter RevisionFilter `json:"filter"`
	}{Cookie: cookie, Filter: filter}
	var out RevisionIDList
	err := c.call(ctx, c.endpoint(SyncEndpointPath), "GetRevisionIdList", SyncProtocolVersion, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUpdateData implements Client.
func (c *HTTPClient) GetUpdateData(ctx context.Context, cookie *Cookie, ids []IdentityRef) ([]UpdateData, error) {
	body := struct {
		Cookie *Cookie       `json:"cookie"`
		IDs    []IdentityRef `json:"updateIds"`
	}{Cookie: cookie, IDs: ids}
	var out struct {
		Updates []UpdateData `json:"updates"`
	}
	err := c.call(ctx, c.endpoint(SyncEndpointPath), "GetUpdateData", SyncProtocolVersion, body, &out)
	if err != nil {
		return nil, err
	}
	return out.Updates, nil
}
