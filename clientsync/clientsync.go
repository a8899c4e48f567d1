// Package clientsync serves the downstream client-sync protocol.
//
// A Service holds the catalog graph behind a readers-writer lock: client
// requests hold the read side for their whole duration, a reindex takes
// the write side, so a request never observes a partially rebuilt catalog.
// Update records in responses reference revisions by a session-local small
// integer index instead of the full identity.
package clientsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/text/language"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
	"github.com/musync/musync/drivermatch"
	"github.com/musync/musync/graph"
)

// MaxUpdatesPerResponse bounds one SyncUpdates response. Responses that
// would exceed it are truncated and flagged.
const MaxUpdatesPerResponse = 50

const cookieLifetime = 4 * time.Hour

// Downstream fault codes.
const (
	FaultNotImplemented    = "NotImplemented"
	FaultInvalidCookie     = "InvalidCookie"
	FaultInvalidParameters = "InvalidParameters"
	FaultInternalError     = "InternalServerError"
)

// Fault is a client-visible protocol error.
type Fault struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Detail == "" {
		return "client-sync fault: " + f.Code
	}
	return "client-sync fault: " + f.Code + ": " + f.Detail
}

func notImplemented(op string) error {
	return &Fault{Code: FaultNotImplemented, Detail: op + " is not implemented"}
}

// Approvals gates which updates may be offered to clients.
type Approvals interface {
	IsApproved(musync.Identity) bool
}

type allowAll struct{}

func (allowAll) IsApproved(musync.Identity) bool { return true }

// AuditFunc receives updates that matched a request but were withheld for
// lack of approval. Called synchronously; implementations must be cheap.
type AuditFunc func(musync.Identity)

// Config is the client-facing service configuration, read from the
// service JSON config file.
type Config struct {
	// SupportedLanguages lists the metadata languages offered to clients,
	// BCP 47 tags, preferred first.
	SupportedLanguages []string `json:"supported_languages"`
	// ContentRoot, when set, is the URL prefix content files are served
	// under. Empty means clients download from the original source URLs.
	ContentRoot string `json:"content_root,omitempty"`
}

// Options configures a Service.
type Options struct {
	// Store backs reindexing and XML retrieval. Required.
	Store datastore.MetadataStore
	// Config is the service configuration.
	Config Config
	// Approvals gates offers; nil approves everything.
	Approvals Approvals
	// Audit, if set, observes withheld matches.
	Audit AuditFunc
}

// Service implements the downstream operations.
type Service struct {
	store     datastore.MetadataStore
	cfg       Config
	approvals Approvals
	audit     AuditFunc
	langNames []string
	langMatch language.Matcher

	// mu guards g and matcher. Requests read-lock for their duration.
	mu      sync.RWMutex
	g       *graph.Graph
	matcher *drivermatch.Matcher

	// revMu guards the session revision-index alias maps.
	revMu      sync.Mutex
	revIndex   map[musync.Identity]int
	revByIndex map[int]musync.Identity
	nextIndex  int
}

// New builds a Service and performs the initial index load.
func New(ctx context.Context, opts Options) (*Service, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "clientsync/New")
	if opts.Store == nil {
		return nil, &musync.Error{Op: "clientsync.New", Kind: musync.ErrInvalid, Message: "no store provided"}
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = allowAll{}
	}
	langs := opts.Config.SupportedLanguages
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	tags := make([]language.Tag, 0, len(langs))
	for _, l := range langs {
		t, err := language.Parse(l)
		if err != nil {
			return nil, &musync.Error{Op: "clientsync.New", Kind: musync.ErrInvalid, Message: "bad language tag " + l, Inner: err}
		}
		tags = append(tags, t)
	}
	s := &Service{
		store:      opts.Store,
		cfg:        opts.Config,
		approvals:  approvals,
		audit:      opts.Audit,
		langNames:  langs,
		langMatch:  language.NewMatcher(tags),
		revIndex:   make(map[musync.Identity]int),
		revByIndex: make(map[int]musync.Identity),
		nextIndex:  1,
	}
	if err := s.Reindex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reindex rebuilds the serving graph from the store. It takes the write
// lock, so in-flight requests finish against the old index first.
func (s *Service) Reindex(ctx context.Context) error {
	g, err := graph.Load(ctx, s.store)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.g = g
	s.matcher = drivermatch.New(g)
	s.mu.Unlock()
	return nil
}

// revisionIndex returns the session alias for an identity, assigning the
// next index on first use.
func (s *Service) revisionIndex(id musync.Identity) int {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	if i, ok := s.revIndex[id]; ok {
		return i
	}
	i := s.nextIndex
	s.nextIndex++
	s.revIndex[id] = i
	s.revByIndex[i] = id
	return i
}

// identityOf resolves a session revision index.
func (s *Service) identityOf(index int) (musync.Identity, bool) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	id, ok := s.revByIndex[index]
	return id, ok
}

// ServerConfigInfo is the GetConfig result.
type ServerConfigInfo struct {
	ProtocolVersion       string   `json:"protocolVersion"`
	MaxUpdatesPerResponse int      `json:"maxUpdatesPerResponse"`
	SupportedLanguages    []string `json:"supportedLanguages"`
}

// GetConfig implements the GetConfig operation.
func (s *Service) GetConfig(context.Context) (*ServerConfigInfo, error) {
	return &ServerConfigInfo{
		ProtocolVersion:       "1.20",
		MaxUpdatesPerResponse: MaxUpdatesPerResponse,
		SupportedLanguages:    s.cfg.SupportedLanguages,
	}, nil
}

// GetConfig2 implements the GetConfig2 operation; the surface is the same
// as GetConfig.
func (s *Service) GetConfig2(ctx context.Context) (*ServerConfigInfo, error) {
	return s.GetConfig(ctx)
}

// ClientCookie is the opaque client session token.
type ClientCookie struct {
	EncryptedData []byte    `json:"encryptedData"`
	Expiration    time.Time `json:"expiration"`
}

type cookiePayload struct {
	SessionID uuid.UUID `json:"sid"`
	Expires   time.Time `json:"exp"`
}

// GetCookie issues a fresh client cookie.
func (s *Service) GetCookie(context.Context) (*ClientCookie, error) {
	return s.freshCookie()
}

func (s *Service) freshCookie() (*ClientCookie, error) {
	exp := time.Now().Add(cookieLifetime)
	raw, err := json.Marshal(cookiePayload{SessionID: uuid.New(), Expires: exp})
	if err != nil {
		return nil, &musync.Error{Op: "clientsync.GetCookie", Kind: musync.ErrInternal, Inner: err}
	}
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(buf, raw)
	return &ClientCookie{EncryptedData: buf, Expiration: exp}, nil
}

// checkCookie validates a presented cookie.
func checkCookie(c *ClientCookie) error {
	if c == nil {
		return &Fault{Code: FaultInvalidCookie, Detail: "no cookie presented"}
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(c.EncryptedData)))
	n, err := base64.StdEncoding.Decode(raw, c.EncryptedData)
	if err != nil {
		return &Fault{Code: FaultInvalidCookie, Detail: "undecodable cookie"}
	}
	var p cookiePayload
	if err := json.Unmarshal(raw[:n], &p); err != nil {
		return &Fault{Code: FaultInvalidCookie, Detail: "malformed cookie"}
	}
	if time.Now().After(p.Expires) {
		return &Fault{Code: FaultInvalidCookie, Detail: "expired cookie"}
	}
	return nil
}

// Unimplemented operations. The protocol surface names them; clients get
// a fault instead of silence.

func (s *Service) GetExtendedUpdateInfo2(context.Context) error { return notImplemented("GetExtendedUpdateInfo2") }
func (s *Service) RegisterComputer(context.Context) error       { return notImplemented("RegisterComputer") }
func (s *Service) StartCategoryScan(context.Context) error      { return notImplemented("StartCategoryScan") }
func (s *Service) SyncPrinterCatalog(context.Context) error     { return notImplemented("SyncPrinterCatalog") }
func (s *Service) RefreshCache(context.Context) error           { return notImplemented("RefreshCache") }
func (s *Service) GetFileLocations(context.Context) error       { return notImplemented("GetFileLocations") }
func (s *Service) GetTimestamps(context.Context) error          { return notImplemented("GetTimestamps") }
