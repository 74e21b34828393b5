// cmd/shardfs-gateway/main.go
//
// shardfs-gateway is the single entry point for clients. It serves code files
// from its own root, forwards every other category to the owning storage node
// and merges directory listings across all of them.
//
// Usage:
//
//	shardfs-gateway [--config shardfs.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/config"
	"github.com/ssd-technologies/shardfs/internal/gateway"
	"github.com/ssd-technologies/shardfs/internal/monitor"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/ratelimit"
	"github.com/ssd-technologies/shardfs/internal/server"
	"github.com/ssd-technologies/shardfs/internal/storage"
	"github.com/ssd-technologies/shardfs/internal/vfs"
)

func main() {
	fs := flag.NewFlagSet("shardfs-gateway", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the YAML config file")
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
	log := root.With().Str("component", "gateway").Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	vroot, err := vfs.OpenRoot(cfg.RootDir(category.Code), cfg.Storage.Marker, cfg.Storage.StrictPaths)
	if err != nil {
		return err
	}
	var db *storage.DB
	if p := cfg.CatalogPath(category.Code); p != "" {
		db, err = storage.NewDB(p)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer db.Close()
	}
	local := node.NewService(category.Code, vroot, db)

	hub := monitor.NewHub()
	rcfg := cfg.RouterConfig()
	tracker := monitor.NewTracker(rcfg.Nodes)
	router := gateway.NewRouter(local, rcfg, tracker, hub)

	var limiter *ratelimit.Keyed
	if cfg.Gateway.RateLimit > 0 {
		limiter = ratelimit.NewKeyed(cfg.Gateway.RateLimit, cfg.Gateway.RateWindow)
	}
	srv := server.New(router, server.Config{
		Addr:    cfg.Gateway.Listen,
		Wire:    cfg.WireOptions(),
		Limiter: limiter,
		Logger:  log,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	var admin *monitor.Server
	if cfg.Gateway.Admin != "" {
		admin = monitor.New(tracker, hub, cfg.Storage.Root, log.With().Str("component", "monitor").Logger())
		if err := admin.Listen(cfg.Gateway.Admin); err != nil {
			srv.Close()
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	var workers server.Workers
	router.StartWorkers(ctx, &workers, cfg.GatewayWorkers())
	local.StartWorkers(ctx, &workers, cfg.NodeWorkers())
	if limiter != nil {
		go limiter.Run(ctx, 5*time.Minute)
	}

	log.Info().Str("addr", srv.Addr()).Interface("nodes", cfg.Nodes).Msg("gateway listening")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if admin != nil {
		admin.Close()
	}
	err = srv.Close()
	workers.Wait()
	return err
}
