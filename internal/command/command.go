// Package command parses the text command lines exchanged between clients,
// the gateway and storage nodes.
package command

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrMalformed is returned for a known verb with missing, extra or
	// invalid arguments.
	ErrMalformed = errors.New("malformed command")
	// ErrUnknownVerb is returned when the first word is not a known verb.
	ErrUnknownVerb = errors.New("unknown command")
)

// Verb is a protocol operation.
type Verb uint8

const (
	Upload Verb = iota + 1
	Download
	Remove
	List
	Archive
	Ping
)

var verbNames = map[Verb]string{
	Upload:   "upload",
	Download: "download",
	Remove:   "remove",
	List:     "list",
	Archive:  "archive",
	Ping:     "ping",
}

// aliases maps every accepted spelling, including the legacy verbs, onto a Verb.
var aliases = map[string]Verb{
	"upload":     Upload,
	"uploadf":    Upload,
	"download":   Download,
	"downlf":     Download,
	"remove":     Remove,
	"removef":    Remove,
	"list":       List,
	"dispfnames": List,
	"archive":    Archive,
	"downltar":   Archive,
	"ping":       Ping,
}

// arity is the number of arguments each verb takes.
var arity = map[Verb]int{
	Upload:   2,
	Download: 1,
	Remove:   1,
	List:     1,
	Archive:  1,
	Ping:     0,
}

func (v Verb) String() string {
	if n, ok := verbNames[v]; ok {
		return n
	}
	return fmt.Sprintf("verb(%d)", uint8(v))
}

// Command is one parsed request.
//
// Upload uses Name and Path (the virtual destination directory). Download,
// Remove and List use Path. Archive uses Ext.
type Command struct {
	Verb Verb
	Name string
	Path string
	Ext  string
}

// Parse splits a line on whitespace and validates it against the verb's
// argument shape. On ErrMalformed the returned Command still carries the
// recognized Verb.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty line: %w", ErrMalformed)
	}
	verb, ok := aliases[fields[0]]
	if !ok {
		return Command{}, fmt.Errorf("%q: %w", fields[0], ErrUnknownVerb)
	}
	args := fields[1:]
	if len(args) != arity[verb] {
		return Command{Verb: verb}, fmt.Errorf("%s takes %d argument(s), got %d: %w", verb, arity[verb], len(args), ErrMalformed)
	}

	c := Command{Verb: verb}
	switch verb {
	case Upload:
		c.Name, c.Path = args[0], args[1]
		if c.Name != path.Base(c.Name) || c.Name == "." || c.Name == ".." {
			return Command{Verb: verb}, fmt.Errorf("upload name %q must be a base name: %w", c.Name, ErrMalformed)
		}
	case Download, Remove, List:
		c.Path = args[0]
	case Archive:
		c.Ext = args[0]
		if !strings.HasPrefix(c.Ext, ".") || len(c.Ext) < 2 {
			return Command{Verb: verb}, fmt.Errorf("archive extension %q: %w", c.Ext, ErrMalformed)
		}
	}
	return c, nil
}

// String renders the canonical command line.
func (c Command) String() string {
	switch c.Verb {
	case Upload:
		return fmt.Sprintf("%s %s %s", c.Verb, c.Name, c.Path)
	case Download, Remove, List:
		return fmt.Sprintf("%s %s", c.Verb, c.Path)
	case Archive:
		return fmt.Sprintf("%s %s", c.Verb, c.Ext)
	default:
		return c.Verb.String()
	}
}

// Target returns the argument that decides routing: the file name for
// uploads, the path for downloads and removals, the extension for archives.
func (c Command) Target() string {
	switch c.Verb {
	case Upload:
		return c.Name
	case Archive:
		return c.Ext
	default:
		return c.Path
	}
}
