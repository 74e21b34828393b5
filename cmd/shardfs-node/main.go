// cmd/shardfs-node/main.go
//
// shardfs-node is a storage node that owns every file of one category under
// its private root.
//
// Usage:
//
//	shardfs-node --category text [--config shardfs.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/config"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/server"
	"github.com/ssd-technologies/shardfs/internal/storage"
	"github.com/ssd-technologies/shardfs/internal/vfs"
)

func main() {
	fs := flag.NewFlagSet("shardfs-node", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the YAML config file")
	catName := fs.String("category", "", "category served by this node (document, text, archive)")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	root, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cat, err := category.Parse(*catName)
	if err != nil || cat == category.Code {
		root.Fatal().Str("category", *catName).Msg("--category must be document, text or archive")
	}
	log := root.With().Str("component", "node").Stringer("category", cat).Logger()

	if err := run(cfg, cat, log); err != nil {
		log.Fatal().Err(err).Msg("node stopped")
	}
}

func run(cfg config.Config, cat category.Category, log zerolog.Logger) error {
	vroot, err := vfs.OpenRoot(cfg.RootDir(cat), cfg.Storage.Marker, cfg.Storage.StrictPaths)
	if err != nil {
		return err
	}

	var db *storage.DB
	if p := cfg.CatalogPath(cat); p != "" {
		db, err = storage.NewDB(p)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer db.Close()
	}

	svc := node.NewService(cat, vroot, db)
	srv := server.New(svc, server.Config{
		Addr:   cfg.ListenAddr(cat),
		Wire:   cfg.WireOptions(),
		Logger: log,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	var workers server.Workers
	svc.StartWorkers(ctx, &workers, cfg.NodeWorkers())

	ev := log.Info().Str("addr", srv.Addr()).Str("root", vroot.Dir())
	if st, err := svc.CatalogStats(); err == nil && db != nil {
		ev = ev.Int("files", st.Files).Str("stored", humanize.Bytes(uint64(st.Bytes)))
	}
	ev.Msg("node listening")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	err = srv.Close()
	workers.Wait()
	return err
}
