// Package libsync pulls catalog metadata from an upstream server into a
// local store.
//
// One Engine owns the authentication state, the cached server
// configuration, and the anchored fetch loop. A sync call is atomic with
// respect to anchors: the new anchor is persisted only after every fetched
// payload has been decoded and written, so a failed run leaves the
// previous anchor and delta semantics intact.
package libsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
	"github.com/musync/musync/serversync"
)

const (
	defaultFanout = 8
	// Attempts per batch; only timeout-class errors are retried.
	retryAttempts = 3
	// Used if the server config omits the per-request cap.
	defaultBatchCap = 200
)

// Progress phases.
const (
	PhaseAuthenticate = "authenticate"
	PhaseConfigure    = "configure"
	PhaseRevisions    = "revisions"
	PhaseFetch        = "fetch"
	PhaseCommit       = "commit"
)

// Progress is a coarse event emitted during a sync. Events never carry
// errors; a failing sync reports through its return value.
type Progress struct {
	Phase string
	Done  int
	Total int
}

// Scope selects the software catalog subset to sync. The zero Scope asks
// for everything in scope of the subscription.
type Scope struct {
	Products        []uuid.UUID `json:"products,omitempty"`
	Classifications []uuid.UUID `json:"classifications,omitempty"`
}

// Summary reports what one sync call did.
type Summary struct {
	// Fetched counts newly stored revisions.
	Fetched int
	// Skipped counts upstream revisions already present locally.
	Skipped int
	// Anchor is the committed upstream anchor.
	Anchor musync.Anchor
}

// Options configures an Engine.
type Options struct {
	// Client speaks to the upstream. Required.
	Client serversync.Client
	// Store receives fetched metadata. Required.
	Store datastore.MetadataStore
	// AccountName and AccountGUID identify this server to the upstream.
	// Left zero, a random identity is generated.
	AccountName string
	AccountGUID uuid.UUID
	// Fanout bounds concurrent GetUpdateData calls. Defaults to 8 and is
	// additionally capped by the server's per-request limit.
	Fanout int
	// RequestsPerSecond throttles upstream RPCs. Zero means unthrottled.
	RequestsPerSecond float64
	// Progress receives coarse progress events. Sends never block; a slow
	// subscriber misses events instead of stalling the sync.
	Progress chan<- Progress
}

// Engine is the upstream sync engine.
type Engine struct {
	client   serversync.Client
	store    datastore.MetadataStore
	auth     *serversync.Authenticator
	fanout   int
	limiter  *rate.Limiter
	progress chan<- Progress
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("libsync: no upstream client provided")
	case opts.Store == nil:
		return nil, errors.New("libsync: no store provided")
	}
	fanout := opts.Fanout
	if fanout <= 0 {
		fanout = defaultFanout
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Engine{
		client:   opts.Client,
		store:    opts.Store,
		auth:     serversync.NewAuthenticator(opts.Client, opts.AccountName, opts.AccountGUID),
		fanout:   fanout,
		limiter:  rate.NewLimiter(limit, 1),
		progress: opts.Progress,
	}, nil
}

// SyncCategories pulls the category catalog: products, product families,
// classifications and detectoids.
func (e *Engine) SyncCategories(ctx context.Context) (*Summary, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Engine.SyncCategories")
	s, err := e.sync(ctx, musync.CategoriesAnchorKey(), serversync.RevisionFilter{GetCategories: true})
	countSync(musync.AnchorCategories, err)
	return s, err
}

// SyncUpdates pulls software and driver updates in the given scope.
func (e *Engine) SyncUpdates(ctx context.Context, scope Scope) (*Summary, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Engine.SyncUpdates")
	key, err := musync.UpdatesAnchorKey(scope)
	if err != nil {
		return nil, fmt.Errorf("libsync: deriving anchor key: %w", err)
	}
	filter := serversync.RevisionFilter{}
	for _, id := range scope.Products {
		filter.Products = append(filter.Products, serversync.CategoryScope{ID: id})
	}
	for _, id := range scope.Classifications {
		filter.Classifications = append(filter.Classifications, serversync.CategoryScope{ID: id})
	}
	s, err := e.sync(ctx, key, filter)
	countSync(musync.AnchorUpdates, err)
	return s, err
}

func (e *Engine) notify(p Progress) {
	if e.progress == nil {
		return
	}
	select {
	case e.progress <- p:
	default:
	}
}

// withAuth runs f with a fresh access cookie. A rejected cookie triggers
// exactly one full re-auth before the call is surfaced as failed.
func (e *Engine) withAuth(ctx context.Context, f func(*serversync.Cookie) error) error {
	c, err := e.auth.Cookie(ctx)
	if err != nil {
		return err
	}
	err = f(c)
	if err == nil || !errors.Is(err, musync.ErrAuth) {
		return err
	}
	zlog.Debug(ctx).Msg("access cookie rejected mid-stream, re-authenticating once")
	e.auth.Invalidate()
	c, aerr := e.auth.Cookie(ctx)
	if aerr != nil {
		return aerr
	}
	return f(c)
}

func (e *Engine) sync(ctx context.Context, key musync.AnchorKey, filter serversync.RevisionFilter) (*Summary, error) {
	e.notify(Progress{Phase: PhaseAuthenticate})
	if _, err := e.auth.Cookie(ctx); err != nil {
		return nil, err
	}

	e.notify(Progress{Phase: PhaseConfigure})
	var cfg *serversync.ServerConfig
	err := e.withAuth(ctx, func(c *serversync.Cookie) (err error) {
		cfg, err = e.client.GetConfigData(ctx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	batchCap := cfg.MaxNumberOfUpdatesPerRequest
	if batchCap <= 0 {
		batchCap = defaultBatchCap
	}
	fanout := e.fanout
	if batchCap < fanout {
		fanout = batchCap
	}

	prev, err := e.store.GetAnchor(ctx, key)
	if err != nil {
		return nil, err
	}
	if prev != "" {
		filter.Anchor = string(prev)
		filter.MarkDelta()
	}

	e.notify(Progress{Phase: PhaseRevisions})
	var list *serversync.RevisionIDList
	err = e.withAuth(ctx, func(c *serversync.Cookie) (err error) {
		list, err = e.client.GetRevisionIDList(ctx, c, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	existing, err := e.store.Identities(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[musync.Identity]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	var toFetch []serversync.IdentityRef
	for _, r := range list.NewRevisions {
		if _, ok := have[r.Identity()]; ok {
			continue
		}
		toFetch = append(toFetch, r)
	}
	sum := &Summary{
		Skipped: len(list.NewRevisions) - len(toFetch),
		Anchor:  musync.Anchor(list.Anchor),
	}
	zlog.Info(ctx).
		Int("upstream", len(list.NewRevisions)).
		Int("fetch", len(toFetch)).
		Int("skip", sum.Skipped).
		Msg("revision list resolved")

	if len(toFetch) != 0 {
		n, err := e.fetchAll(ctx, toFetch, batchCap, fanout)
		if err != nil {
			return nil, err
		}
		sum.Fetched = n
		fetchedCounter.WithLabelValues(key.Kind).Add(float64(n))
	}

	// The anchor lands only after every payload write, so a reader sees
	// either the new anchor with all new payloads or neither.
	e.notify(Progress{Phase: PhaseCommit})
	if err := e.store.SaveAnchor(ctx, key, musync.Anchor(list.Anchor)); err != nil {
		return nil, err
	}
	return sum, nil
}

// fetchAll runs the batched fetch with bounded fan-out. Decoded records
// funnel through a single inserter so store writes stay serialized.
func (e *Engine) fetchAll(ctx context.Context, ids []serversync.IdentityRef, batchCap, fanout int) (int, error) {
	total := (len(ids) + batchCap - 1) / batchCap
	var done atomic.Int64

	eg, ectx := errgroup.WithContext(ctx)
	recs := make(chan *datastore.Record, fanout)
	eg.Go(func() error {
		for r := range recs {
			if err := e.store.PutUpdate(ectx, r); err != nil {
				return err
			}
		}
		return nil
	})

	fg, fctx := errgroup.WithContext(ectx)
	sem := semaphore.NewWeighted(int64(fanout))
	for start := 0; start < len(ids); start += batchCap {
		if err := sem.Acquire(fctx, 1); err != nil {
			break
		}
		batch := ids[start:min(start+batchCap, len(ids))]
		fg.Go(func() error {
			defer sem.Release(1)
			data, err := e.fetchBatch(fctx, batch)
			if err != nil {
				return err
			}
			for i := range data {
				rec, err := decode(&data[i])
				if err != nil {
					return err
				}
				select {
				case recs <- rec:
				case <-fctx.Done():
					return fctx.Err()
				}
			}
			e.notify(Progress{Phase: PhaseFetch, Done: int(done.Add(1)), Total: total})
			return nil
		})
	}
	ferr := fg.Wait()
	close(recs)
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	if ferr != nil {
		return 0, ferr
	}
	return len(ids), nil
}

// fetchBatch issues one GetUpdateData call with the retry policy: up to
// three attempts, timeouts only, any successful response is terminal.
func (e *Engine) fetchBatch(ctx context.Context, batch []serversync.IdentityRef) ([]serversync.UpdateData, error) {
	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var data []serversync.UpdateData
		err := e.withAuth(ctx, func(c *serversync.Cookie) (err error) {
			data, err = e.client.GetUpdateData(ctx, c, batch)
			return err
		})
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, musync.ErrTransient) {
			return nil, err
		}
		last = err
		retryCounter.Inc()
		zlog.Debug(ctx).Int("attempt", attempt+1).Msg("batch timed out")
	}
	return nil, last
}

func decode(d *serversync.UpdateData) (*datastore.Record, error) {
	xml, err := serversync.PayloadXML(d)
	if err != nil {
		return nil, err
	}
	rec, err := datastore.RecordFromXML(xml)
	if err != nil {
		return nil, fmt.Errorf("libsync: decoding %v: %w", d.ID.Identity(), err)
	}
	// The wire identity is authoritative; documents for old revisions may
	// carry stale identity attributes.
	rec.Update.Identity = d.ID.Identity()
	return rec, nil
}
