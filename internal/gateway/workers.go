package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/server"
)

// WorkerConfig sets the gateway's background job intervals. A zero interval
// disables the job.
type WorkerConfig struct {
	ProbeInterval time.Duration
	PruneInterval time.Duration
	// OfflineAfter is how long a node may go unseen before it is marked
	// offline by the prune job.
	OfflineAfter time.Duration
}

// StartWorkers launches the node probe and the offline prune on ws.
func (r *Router) StartWorkers(ctx context.Context, ws *server.Workers, cfg WorkerConfig) {
	ws.Start(ctx, server.Worker{
		Name:     "probe",
		Interval: cfg.ProbeInterval,
		Run:      r.probe,
	})
	ws.Start(ctx, server.Worker{
		Name:     "prune",
		Interval: cfg.PruneInterval,
		Run: func(context.Context) {
			r.tracker.PruneOffline(cfg.OfflineAfter)
		},
	})
}

// probe pings every remote node once.
func (r *Router) probe(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	for cat := range r.nodes {
		if err := r.Ping(ctx, cat); err != nil {
			log.Debug().Err(err).Stringer("category", cat).Msg("probe failed")
		}
	}
	s := r.tracker.Stats()
	log.Debug().Int("online", s.NodesOnline).Int("total", s.NodesTotal).Msg("probe complete")
}
