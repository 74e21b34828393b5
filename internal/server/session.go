package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// Serve runs the command loop on conn until the peer closes it (nil) or the
// stream can no longer be trusted (error). Unknown and malformed commands
// are answered and the loop continues.
func Serve(ctx context.Context, conn *wire.Conn, h Handler) error {
	log := zerolog.Ctx(ctx)
	for {
		line, err := conn.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		cmd, err := command.Parse(line)
		if err != nil {
			log.Info().Err(err).Str("line", line).Msg("rejected command")
			if err := reject(conn, cmd, err); err != nil {
				return err
			}
			continue
		}
		if err := h.Handle(ctx, conn, cmd); err != nil {
			return err
		}
	}
}

func reject(conn *wire.Conn, cmd command.Command, perr error) error {
	if errors.Is(perr, command.ErrUnknownVerb) {
		return conn.WriteError(command.ReplyUnknown)
	}
	// A malformed upload is still followed by its Transfer.
	if cmd.Verb == command.Upload {
		if err := conn.DiscardTransfer(); err != nil {
			return err
		}
	}
	return conn.WriteError(command.ReplyMalformed)
}
