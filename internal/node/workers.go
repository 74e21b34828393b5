package node

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/server"
)

// WorkerConfig sets the background job intervals. A zero interval disables
// the job.
type WorkerConfig struct {
	SweepInterval     time.Duration
	TempTTL           time.Duration
	ReconcileInterval time.Duration
}

// StartWorkers launches the node's background jobs on ws. Call with a
// cancellable context for graceful shutdown.
func (s *Service) StartWorkers(ctx context.Context, ws *server.Workers, cfg WorkerConfig) {
	ws.Start(ctx, server.Worker{
		Name:     "sweep",
		Interval: cfg.SweepInterval,
		Run:      func(ctx context.Context) { s.sweep(ctx, cfg.TempTTL) },
	})
	ws.Start(ctx, server.Worker{
		Name:     "reconcile",
		Interval: cfg.ReconcileInterval,
		Run:      s.reconcile,
	})
}

// sweep removes abandoned upload temps and archive artifacts.
func (s *Service) sweep(ctx context.Context, ttl time.Duration) {
	log := zerolog.Ctx(ctx)
	n, err := s.root.SweepTemp(ttl)
	if err != nil {
		log.Warn().Err(err).Msg("temp sweep incomplete")
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("swept stale temp files")
	}
}

func (s *Service) reconcile(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	n, err := s.Reconcile()
	if err != nil {
		log.Warn().Err(err).Msg("catalog reconcile failed")
		return
	}
	if n > 0 {
		log.Info().Int("dropped", n).Msg("dropped catalog rows for missing files")
	}
	st, err := s.CatalogStats()
	if err != nil {
		log.Warn().Err(err).Msg("catalog stats failed")
		return
	}
	log.Debug().Int("files", st.Files).Str("size", humanize.Bytes(uint64(st.Bytes))).Msg("catalog reconciled")
}
