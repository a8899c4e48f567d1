package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"github.com/spf13/cobra"

	"github.com/musync/musync/datastore"
	"github.com/musync/musync/datastore/sqlite"
	"github.com/musync/musync/export"
	"github.com/musync/musync/libsync"
	"github.com/musync/musync/serversync"
)

func syncCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "pull categories and updates from the upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return syncOnce(cmd.Context(), *cfg)
		},
	}
}

func syncOnce(ctx context.Context, cfg *Config) error {
	store, err := sqlite.Open(ctx, cfg.StoreDir)
	if err != nil {
		return err
	}
	defer store.Close()
	client, err := serversync.NewHTTPClient(cfg.Upstream, nil)
	if err != nil {
		return err
	}

	events := make(chan libsync.Progress, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range events {
			zlog.Info(ctx).
				Str("phase", p.Phase).
				Int("done", p.Done).
				Int("total", p.Total).
				Msg("sync progress")
		}
	}()
	engine, err := libsync.New(libsync.Options{
		Client:            client,
		Store:             store,
		AccountName:       cfg.AccountName,
		AccountGUID:       cfg.AccountGUID,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Progress:          events,
	})
	if err != nil {
		return err
	}
	defer func() {
		close(events)
		<-done
	}()

	sum, err := engine.SyncCategories(ctx)
	if err != nil {
		return err
	}
	zlog.Info(ctx).
		Int("fetched", sum.Fetched).
		Int("skipped", sum.Skipped).
		Msg("categories synced")
	sum, err = engine.SyncUpdates(ctx, cfg.Scope)
	if err != nil {
		return err
	}
	zlog.Info(ctx).
		Int("fetched", sum.Fetched).
		Int("skipped", sum.Skipped).
		Msg("updates synced")
	return nil
}

func exportCmd(cfg **Config) *cobra.Command {
	var (
		out             string
		products        []string
		classifications []string
		first           int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "write an offline catalog archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			filter := datastore.Filter{First: first}
			var err error
			if filter.Products, err = parseGUIDs(products); err != nil {
				return err
			}
			if filter.Classifications, err = parseGUIDs(classifications); err != nil {
				return err
			}
			store, err := sqlite.Open(ctx, (*cfg).StoreDir)
			if err != nil {
				return err
			}
			defer store.Close()
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			err = export.Write(ctx, f, store, export.Options{
				Filter:    filter,
				Languages: (*cfg).Client.SupportedLanguages,
			})
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive file to write")
	cmd.Flags().StringSliceVar(&products, "product", nil, "product GUID to include, repeatable")
	cmd.Flags().StringSliceVar(&classifications, "classification", nil, "classification GUID to include, repeatable")
	cmd.Flags().IntVar(&first, "first", 0, "cap on selected updates before closure expansion")
	cmd.MarkFlagRequired("out")
	return cmd
}

func importCmd(cfg **Config) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "load an offline catalog archive into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := sqlite.Open(ctx, (*cfg).StoreDir)
			if err != nil {
				return err
			}
			defer store.Close()
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := export.Import(ctx, f, store)
			if err != nil {
				return err
			}
			zlog.Info(ctx).Int("imported", n).Msg("archive loaded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "archive file to read")
	cmd.MarkFlagRequired("in")
	return cmd
}

func parseGUIDs(ss []string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, s := range ss {
		g, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
