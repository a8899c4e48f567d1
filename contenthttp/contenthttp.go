// Package contenthttp serves stored content files over HTTP.
//
// Files are addressed by bare hex digest under the fixed
// "/microsoftupdate/content/" prefix, matching the URL shape the metadata
// server hands out in file locations. Range requests are honored so a
// download client can resume an interrupted transfer.
package contenthttp

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

// Prefix is the path prefix content is mounted under.
const Prefix = "/microsoftupdate/content"

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musync",
		Subsystem: "contenthttp",
		Name:      "requests_total",
		Help:      "Total number of content requests by result.",
	}, []string{"result"})
)

// Handler serves the store under Prefix. GET and HEAD are supported; the
// digest path segment must be bare hex naming a SHA-1 or SHA-256 checksum.
func Handler(store datastore.ContentStore) http.Handler {
	r := chi.NewRouter()
	serve := serveDigest(store)
	r.Get(Prefix+"/{digest}", serve)
	r.Head(Prefix+"/{digest}", serve)
	return r
}

func serveDigest(store datastore.ContentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := zlog.ContextWithValues(req.Context(), "component", "contenthttp/serveDigest")
		d, err := musync.ParseHexDigest(chi.URLParam(req, "digest"))
		if err != nil {
			requestCounter.WithLabelValues("malformed").Inc()
			http.Error(w, "malformed digest", http.StatusBadRequest)
			return
		}
		f, err := store.Open(ctx, d)
		switch {
		case err == nil:
		case errors.Is(err, musync.ErrNotFound):
			requestCounter.WithLabelValues("missing").Inc()
			http.Error(w, "no such content", http.StatusNotFound)
			return
		default:
			requestCounter.WithLabelValues("error").Inc()
			zlog.Warn(ctx).Err(err).Str("digest", d.String()).Msg("opening content")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		requestCounter.WithLabelValues("ok").Inc()
		// Installer payloads are opaque; never let ServeContent sniff a type
		// from the name.
		w.Header().Set("content-type", "application/octet-stream")
		http.ServeContent(w, req, f.Name(), time.Time{}, f)
	}
}
