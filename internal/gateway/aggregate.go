package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// AggregateList lists dir on every category concurrently and merges the
// results in category.All order. A category that errors or cannot be reached
// contributes nothing. When no category has any file the reply is
// command.ReplyNoFiles. A listing that cannot fit in one Text frame, from a
// single node or once merged, fails with node.ErrListingTooLarge.
func (r *Router) AggregateList(ctx context.Context, dir string) (string, error) {
	slots := make([][]string, len(category.All))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range category.All {
		i, cat := i, cat
		g.Go(func() error {
			names, err := r.listOne(gctx, cat, dir)
			slots[i] = names
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var merged []string
	for _, names := range slots {
		merged = append(merged, names...)
	}
	if len(merged) == 0 {
		return command.ReplyNoFiles, nil
	}
	return node.RenderListing(merged)
}

// listOne returns the listing of one category, or nil when it has none or
// failed. The only error it returns is node.ErrListingTooLarge.
func (r *Router) listOne(ctx context.Context, cat category.Category, dir string) ([]string, error) {
	log := zerolog.Ctx(ctx)
	if cat == r.local.Category() {
		names, err := r.local.ListNames(dir)
		if err != nil {
			log.Debug().Err(err).Stringer("category", cat).Msg("local list skipped")
			return nil, nil
		}
		return names, nil
	}

	nc, err := r.dial(ctx, cat)
	if err != nil {
		r.tracker.MarkFailed(cat, err)
		log.Warn().Err(err).Stringer("category", cat).Msg("list fan-out: node unreachable")
		return nil, nil
	}
	defer nc.Close()

	if err := nc.WriteCommand(command.Command{Verb: command.List, Path: dir}.String()); err != nil {
		r.tracker.MarkFailed(cat, err)
		return nil, nil
	}
	text, err := nc.ReadReply()
	var re *wire.RemoteError
	switch {
	case errors.As(err, &re) && re.Message == command.ReplyListTooLarge,
		errors.Is(err, wire.ErrFrameTooLarge):
		// The node answered; its listing just does not fit.
		r.tracker.Heartbeat(cat)
		return nil, fmt.Errorf("%w: %s node", node.ErrListingTooLarge, cat)
	case errors.As(err, &re):
		r.tracker.Heartbeat(cat)
		log.Debug().Str("reply", text).Stringer("category", cat).Msg("list fan-out: node reported error")
		return nil, nil
	case err != nil:
		r.tracker.MarkFailed(cat, err)
		log.Warn().Err(err).Stringer("category", cat).Msg("list fan-out: reply failed")
		return nil, nil
	}
	r.tracker.Heartbeat(cat)
	return node.SplitNames(text), nil
}
