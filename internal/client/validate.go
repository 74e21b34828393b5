package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/command"
)

// ErrInvalid is returned by Validate for a command the gateway would refuse.
var ErrInvalid = errors.New("invalid command")

// Validate checks cmd locally so a bad request fails before a connection is
// made. Routed targets must belong to a category and every virtual path must
// start at marker.
func Validate(cmd command.Command, marker string) error {
	switch cmd.Verb {
	case command.Upload, command.Download, command.Remove, command.Archive:
		if category.Classify(cmd.Target()) == category.None {
			return fmt.Errorf("%w: %s: %s", ErrInvalid, cmd.Target(), command.ReplyBadExtension)
		}
	}
	switch cmd.Verb {
	case command.Upload, command.Download, command.Remove, command.List:
		if cmd.Path != marker && !strings.HasPrefix(cmd.Path, marker+"/") {
			return fmt.Errorf("%w: path %q must start with %s/", ErrInvalid, cmd.Path, marker)
		}
	}
	return nil
}
