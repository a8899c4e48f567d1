package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/quay/zlog"

	"github.com/musync/musync"
)

// Handler mounts the service's operations under /ClientWebService/<op>,
// one POST route per operation with JSON bodies. Server-side errors map
// onto the fault frame; transport problems onto HTTP status codes.
func Handler(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Post("/ClientWebService/GetConfig", handle(func(ctx context.Context, _ *struct{}) (*ServerConfigInfo, error) {
		return s.GetConfig(ctx)
	}))
	r.Post("/ClientWebService/GetConfig2", handle(func(ctx context.Context, _ *struct{}) (*ServerConfigInfo, error) {
		return s.GetConfig2(ctx)
	}))
	r.Post("/ClientWebService/GetCookie", handle(func(ctx context.Context, _ *struct{}) (*ClientCookie, error) {
		return s.GetCookie(ctx)
	}))
	r.Post("/ClientWebService/SyncUpdates", handle(func(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
		return s.SyncUpdates(ctx, req)
	}))
	r.Post("/ClientWebService/GetExtendedUpdateInfo", handle(func(ctx context.Context, req *ExtendedRequest) (*ExtendedResult, error) {
		return s.GetExtendedUpdateInfo(ctx, req)
	}))
	for op, f := range map[string]func(context.Context) error{
		"GetExtendedUpdateInfo2": s.GetExtendedUpdateInfo2,
		"RegisterComputer":       s.RegisterComputer,
		"StartCategoryScan":      s.StartCategoryScan,
		"SyncPrinterCatalog":     s.SyncPrinterCatalog,
		"RefreshCache":           s.RefreshCache,
		"GetFileLocations":       s.GetFileLocations,
		"GetTimestamps":          s.GetTimestamps,
	} {
		f := f
		r.Post("/ClientWebService/"+op, handle(func(ctx context.Context, _ *struct{}) (*struct{}, error) {
			return nil, f(ctx)
		}))
	}
	return r
}

type frame struct {
	Fault  *Fault `json:"fault,omitempty"`
	Result any    `json:"result,omitempty"`
}

func handle[Req, Res any](f func(context.Context, *Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req Req
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "malformed request body", http.StatusBadRequest)
				return
			}
		}
		res, err := f(ctx, &req)
		w.Header().Set("content-type", "application/json")
		var out frame
		switch {
		case err == nil:
			out.Result = res
		default:
			out.Fault = asFault(ctx, err)
		}
		if err := json.NewEncoder(w).Encode(&out); err != nil {
			zlog.Warn(ctx).Err(err).Msg("writing response")
		}
	}
}

// asFault converts any service error into a wire fault, hiding internal
// detail for non-protocol errors.
func asFault(ctx context.Context, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	zlog.Warn(ctx).Err(err).Msg("internal error serving client request")
	switch {
	case errors.Is(err, musync.ErrInvalid):
		return &Fault{Code: FaultInvalidParameters}
	default:
		return &Fault{Code: FaultInternalError}
	}
}
