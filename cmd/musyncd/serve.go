package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"
	"github.com/spf13/cobra"

	"github.com/musync/musync/clientsync"
	"github.com/musync/musync/contenthttp"
	"github.com/musync/musync/datastore/fscontent"
	"github.com/musync/musync/datastore/sqlite"
)

func serveCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the catalog to downstream clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
}

func serve(ctx context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.StoreDir)
	if err != nil {
		return err
	}
	defer store.Close()
	content, err := fscontent.New(cfg.StoreDir)
	if err != nil {
		return err
	}
	svc, err := clientsync.New(ctx, clientsync.Options{
		Store:  store,
		Config: cfg.Client,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ClientWebService/", clientsync.Handler(svc))
	mux.Handle(contenthttp.Prefix+"/", contenthttp.Handler(content))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			zlog.Warn(sctx).Err(err).Msg("shutdown")
		}
	}()

	zlog.Info(ctx).Str("addr", cfg.Listen).Msg("serving")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
