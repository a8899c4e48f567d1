// Package serversync speaks the upstream server-to-server sync protocol.
//
// It defines the request and response shapes, the fault taxonomy, a Client
// interface the sync engine consumes, and an HTTP implementation. The
// authorization dance (plugin discovery, authorization cookie, access
// cookie) lives in the Authenticator.
package serversync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/musync/musync"
)

// Protocol version strings. The cookie exchange is pinned to an older
// revision than the rest of the surface.
const (
	CookieProtocolVersion = "1.7"
	SyncProtocolVersion   = "1.20"
)

// SyncEndpointPath is the sync service path below the upstream root.
const SyncEndpointPath = "ServerSyncWebService/ServerSyncWebService.asmx"

// Fault codes reported by the upstream.
const (
	FaultInvalidAuthorizationCookie  = "InvalidAuthorizationCookie"
	FaultIncompatibleProtocolVersion = "IncompatibleProtocolVersion"
	FaultInternalServerError         = "InternalServerError"
	FaultInvalidParameters           = "InvalidParameters"
	FaultTimeout                     = "Timeout"
	FaultUnknown                     = "Unknown"
)

// Fault is a structured error returned by the upstream service.
type Fault struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Detail == "" {
		return "upstream fault: " + f.Code
	}
	return "upstream fault: " + f.Code + ": " + f.Detail
}

// Kind maps the wire code onto the error taxonomy.
func (f *Fault) Kind() musync.ErrorKind {
	switch f.Code {
	case FaultInvalidAuthorizationCookie:
		return musync.ErrAuth
	case FaultTimeout:
		return musync.ErrTransient
	case FaultIncompatibleProtocolVersion:
		return musync.ErrProtocol
	case FaultInvalidParameters:
		return musync.ErrInvalid
	case FaultInternalServerError, FaultUnknown:
		return musync.ErrInternal
	}
	return musync.ErrInternal
}

// Is enables [errors.Is] against the musync error kinds.
func (f *Fault) Is(target error) bool {
	if k, ok := target.(musync.ErrorKind); ok {
		return f.Kind() == k
	}
	return false
}

// AuthPlugin describes one authentication endpoint offered by the upstream.
type AuthPlugin struct {
	PlugInName string `json:"plugInName"`
	// ServiceURL is relative to the upstream root.
	ServiceURL string `json:"serviceUrl"`
}

// AuthConfig is the response to GetAuthConfig.
type AuthConfig struct {
	LastChange time.Time    `json:"lastChange"`
	AuthInfo   []AuthPlugin `json:"authInfo"`
}

// AuthorizationCookie is an account-scoped token issued by an auth plugin.
type AuthorizationCookie struct {
	PlugInID   string `json:"plugInId"`
	CookieData []byte `json:"cookieData"`
}

// Cookie is the access cookie gating all sync operations. The data is
// opaque; only the expiration hint is interpreted.
type Cookie struct {
	EncryptedData []byte    `json:"encryptedData"`
	Expiration    time.Time `json:"expiration"`
}

// ServerConfig is the response to GetConfigData.
type ServerConfig struct {
	LastChange                   time.Time `json:"lastChange"`
	MaxNumberOfUpdatesPerRequest int       `json:"maxNumberOfUpdatesPerRequest"`
	MaxNumberOfPrerequisites     int       `json:"maxNumberOfPrerequisites"`
	CatalogOnlySync              bool      `json:"catalogOnlySync"`
	SupportedLanguages           []string  `json:"supportedLanguages,omitempty"`
}

// IdentityRef is the wire form of an update identity.
type IdentityRef struct {
	UpdateID       uuid.UUID `json:"updateId"`
	RevisionNumber uint32    `json:"revisionNumber"`
}

// Identity converts to the domain identity.
func (r IdentityRef) Identity() musync.Identity {
	return musync.Identity{ID: r.UpdateID, Revision: r.RevisionNumber}
}

// RefOf converts a domain identity to its wire form.
func RefOf(id musync.Identity) IdentityRef {
	return IdentityRef{UpdateID: id.ID, RevisionNumber: id.Revision}
}

// CategoryScope selects a category in a revision list request. Delta is set
// when the request carries an anchor, asking only for changes since it.
type CategoryScope struct {
	ID    uuid.UUID `json:"id"`
	Delta bool      `json:"delta,omitempty"`
}

// RevisionFilter scopes a GetRevisionIdList call.
//
// An empty filter with GetCategories set asks for the category catalog.
// Otherwise Products and Classifications select the software scope.
type RevisionFilter struct {
	Anchor          string          `json:"anchor,omitempty"`
	GetCategories   bool            `json:"getCategories,omitempty"`
	Products        []CategoryScope `json:"products,omitempty"`
	Classifications []CategoryScope `json:"classifications,omitempty"`
}

// MarkDelta sets the delta bit on every category scope. Done when an anchor
// from a previous sync accompanies the filter.
func (f *RevisionFilter) MarkDelta() {
	for i := range f.Products {
		f.Products[i].Delta = true
	}
	for i := range f.Classifications {
		f.Classifications[i].Delta = true
	}
}

// RevisionIDList is the response to GetRevisionIdList.
type RevisionIDList struct {
	Anchor       string        `json:"anchor"`
	NewRevisions []IdentityRef `json:"newRevisions"`
}

// UpdateData is one update payload from GetUpdateData. Exactly one of XML
// and XMLCompressed is populated; XMLCompressed holds a raw-deflate stream.
type UpdateData struct {
	ID            IdentityRef `json:"id"`
	XML           string      `json:"xml,omitempty"`
	XMLCompressed []byte      `json:"xmlCompressed,omitempty"`
}

// Client is the upstream RPC surface consumed by the sync engine.
//
// Implementations return *Fault (possibly wrapped) for server-reported
// errors so callers can switch on the taxonomy with errors.Is.
type Client interface {
	GetAuthConfig(ctx context.Context) (*AuthConfig, error)
	GetAuthorizationCookie(ctx context.Context, plugin AuthPlugin, accountName string, accountGUID uuid.UUID) (*AuthorizationCookie, error)
	GetCookie(ctx context.Context, auth *AuthorizationCookie, old *Cookie) (*Cookie, error)
	GetConfigData(ctx context.Context, cookie *Cookie) (*ServerConfig, error)
	GetRevisionIDList(ctx context.Context, cookie *Cookie, filter RevisionFilter) (*RevisionIDList, error)
	GetUpdateData(ctx context.Context, cookie *Cookie, ids []IdentityRef) ([]UpdateData, error)
}
