// Package gateway routes client commands to the storage node that owns each
// file category, serving the Code category from its own root.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/monitor"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// Config configures a Router.
type Config struct {
	// Nodes maps each remote category to its node address. The local
	// category must not appear.
	Nodes       map[category.Category]string
	DialTimeout time.Duration
	Wire        wire.Options
}

// Router implements server.Handler for the gateway.
type Router struct {
	local       *node.Service
	nodes       map[category.Category]string
	dialTimeout time.Duration
	wire        wire.Options
	tracker     *monitor.Tracker
	hub         *monitor.Hub
}

// NewRouter creates a Router serving local's category itself and forwarding
// the rest. tracker and hub may be nil.
func NewRouter(local *node.Service, cfg Config, tracker *monitor.Tracker, hub *monitor.Hub) *Router {
	if tracker == nil {
		tracker = monitor.NewTracker(cfg.Nodes)
	}
	nodes := make(map[category.Category]string, len(cfg.Nodes))
	for c, a := range cfg.Nodes {
		if c != local.Category() {
			nodes[c] = a
		}
	}
	return &Router{
		local:       local,
		nodes:       nodes,
		dialTimeout: cfg.DialTimeout,
		wire:        cfg.Wire,
		tracker:     tracker,
		hub:         hub,
	}
}

// Tracker returns the node reachability tracker.
func (r *Router) Tracker() *monitor.Tracker { return r.tracker }

// outcome describes how one command was served.
type outcome struct {
	cat    category.Category
	route  monitor.Route
	ok     bool
	detail string
}

// Handle implements server.Handler.
func (r *Router) Handle(ctx context.Context, conn *wire.Conn, cmd command.Command) error {
	start := time.Now()
	out, err := r.route(ctx, conn, cmd)

	ev := monitor.Event{
		Verb:     cmd.Verb.String(),
		Target:   cmd.Target(),
		Route:    out.route,
		OK:       out.ok && err == nil,
		Detail:   out.detail,
		Duration: time.Since(start),
	}
	if out.cat != category.None {
		ev.Category = out.cat.String()
	}
	r.hub.Publish(ev)

	log := zerolog.Ctx(ctx)
	e := log.Info()
	if !ev.OK {
		e = log.Warn()
	}
	e.Stringer("verb", cmd.Verb).
		Str("target", ev.Target).
		Str("category", ev.Category).
		Str("route", string(ev.Route)).
		Str("detail", ev.Detail).
		Dur("took", ev.Duration).
		Err(err).
		Msg("routed")
	return err
}

func (r *Router) route(ctx context.Context, conn *wire.Conn, cmd command.Command) (outcome, error) {
	switch cmd.Verb {
	case command.Ping:
		return outcome{route: monitor.RouteLocal, ok: true}, conn.WriteText(command.ReplyPong)
	case command.List:
		text, err := r.AggregateList(ctx, cmd.Path)
		if err != nil {
			reply := command.ReplyListFailed
			if errors.Is(err, node.ErrListingTooLarge) {
				reply = command.ReplyListTooLarge
			}
			return outcome{route: monitor.RouteFanout, detail: err.Error()}, conn.WriteError(reply)
		}
		return outcome{route: monitor.RouteFanout, ok: true}, conn.WriteText(text)
	}

	cat := category.Classify(cmd.Target())
	if cat == category.None {
		return outcome{route: monitor.RouteRejected, detail: "no category"}, r.rejectUnclassified(conn, cmd)
	}
	if cat == r.local.Category() {
		return outcome{cat: cat, route: monitor.RouteLocal, ok: true}, r.local.Handle(ctx, conn, cmd)
	}
	return r.forward(ctx, conn, cmd, cat)
}

// rejectUnclassified answers a command whose target has no category, before
// any node is contacted.
func (r *Router) rejectUnclassified(conn *wire.Conn, cmd command.Command) error {
	switch cmd.Verb {
	case command.Upload:
		if err := conn.DiscardTransfer(); err != nil {
			return err
		}
		return conn.WriteError(command.ReplyBadExtension)
	case command.Download:
		return conn.SendNoData(command.ReplyBadExtension)
	case command.Archive:
		return conn.SendNoData(command.ReplyUnsupportedArchive)
	default:
		return conn.WriteError(command.ReplyBadExtension)
	}
}

// forward sends cmd to the node owning cat over a fresh connection and
// relays its reply. Node failures are answered on conn; the returned error
// is non-nil only when conn itself is out of sync.
func (r *Router) forward(ctx context.Context, conn *wire.Conn, cmd command.Command, cat category.Category) (outcome, error) {
	out := outcome{cat: cat, route: monitor.RouteRemote}

	nc, err := r.dial(ctx, cat)
	if err == nil {
		err = nc.WriteCommand(cmd.String())
		if err != nil {
			nc.Close()
		}
	}
	if err != nil {
		r.tracker.MarkFailed(cat, err)
		out.detail = err.Error()
		return out, r.unreachable(conn, cmd, cat)
	}
	defer nc.Close()

	switch cmd.Verb {
	case command.Upload:
		if _, err := conn.RelayTransfer(nc); err != nil {
			if !errors.Is(err, wire.ErrSinkFailed) {
				return out, fmt.Errorf("relay upload from client: %w", err)
			}
			r.tracker.MarkFailed(cat, err)
			out.detail = err.Error()
			return out, conn.WriteError(command.ReplyUnreachable(cat.String()))
		}
		return r.relayReply(conn, nc, cat, out)

	case command.Download, command.Archive:
		h, err := nc.ReadTransferHeader()
		var nd *wire.NoDataError
		switch {
		case errors.As(err, &nd):
			r.tracker.Heartbeat(cat)
			out.detail = nd.Reason
			return out, conn.SendNoData(nd.Reason)
		case err != nil:
			r.tracker.MarkFailed(cat, err)
			out.detail = err.Error()
			return out, conn.SendNoData(command.ReplyUnreachable(cat.String()))
		}
		r.tracker.Heartbeat(cat)
		// Once the header has gone out, a failure leaves conn mid-Transfer.
		if err := conn.SendTransfer(nc, h.Length); err != nil {
			return out, fmt.Errorf("relay %s from %s node: %w", cmd.Verb, cat, err)
		}
		out.ok = true
		return out, nil

	default:
		return r.relayReply(conn, nc, cat, out)
	}
}

// relayReply copies the node's Text or Error reply to the client.
func (r *Router) relayReply(conn, nc *wire.Conn, cat category.Category, out outcome) (outcome, error) {
	msg, err := nc.ReadReply()
	var re *wire.RemoteError
	switch {
	case err == nil:
		r.tracker.Heartbeat(cat)
		out.ok = true
		return out, conn.WriteText(msg)
	case errors.As(err, &re):
		r.tracker.Heartbeat(cat)
		out.detail = msg
		return out, conn.WriteError(msg)
	default:
		r.tracker.MarkFailed(cat, err)
		out.detail = err.Error()
		return out, conn.WriteError(command.ReplyUnreachable(cat.String()))
	}
}

// unreachable answers cmd when the owning node could not be contacted.
func (r *Router) unreachable(conn *wire.Conn, cmd command.Command, cat category.Category) error {
	reason := command.ReplyUnreachable(cat.String())
	switch cmd.Verb {
	case command.Upload:
		if err := conn.DiscardTransfer(); err != nil {
			return err
		}
		return conn.WriteError(reason)
	case command.Download, command.Archive:
		return conn.SendNoData(reason)
	default:
		return conn.WriteError(reason)
	}
}

// dial opens a fresh framed connection to the node owning cat.
func (r *Router) dial(ctx context.Context, cat category.Category) (*wire.Conn, error) {
	addr, ok := r.nodes[cat]
	if !ok {
		return nil, fmt.Errorf("no node configured for %s", cat)
	}
	d := net.Dialer{Timeout: r.dialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s node at %s: %w", cat, addr, err)
	}
	return wire.NewConn(c, r.wire), nil
}

// Ping checks that the node owning cat answers and records the result.
func (r *Router) Ping(ctx context.Context, cat category.Category) error {
	nc, err := r.dial(ctx, cat)
	if err != nil {
		r.tracker.MarkFailed(cat, err)
		return err
	}
	defer nc.Close()
	if err := nc.WriteCommand(command.Command{Verb: command.Ping}.String()); err != nil {
		r.tracker.MarkFailed(cat, err)
		return err
	}
	msg, err := nc.ReadReply()
	if err == nil && msg != command.ReplyPong {
		err = fmt.Errorf("unexpected ping reply %q", msg)
	}
	if err != nil {
		r.tracker.MarkFailed(cat, err)
		return err
	}
	r.tracker.Heartbeat(cat)
	return nil
}
